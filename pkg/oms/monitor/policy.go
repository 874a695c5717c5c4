package monitor

import (
	"time"

	"github.com/cw07/omsflow/pkg/oms/model"
)

const defaultPollInterval = 5 * time.Second

// PollingPolicy selects the status-check cadence per order type. Market and
// limit orders resolve quickly; TWAP/VWAP execute over long horizons and are
// polled far less often.
type PollingPolicy struct {
	Intervals  map[model.OrderType]time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultPolicy() *PollingPolicy {
	return &PollingPolicy{
		Intervals: map[model.OrderType]time.Duration{
			model.OrderTypeMarket: 5 * time.Second,
			model.OrderTypeLimit:  5 * time.Second,
			model.OrderTypeTWAP:   300 * time.Second,
			model.OrderTypeVWAP:   300 * time.Second,
		},
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
	}
}

func (p *PollingPolicy) Interval(t model.OrderType) time.Duration {
	if d, ok := p.Intervals[t]; ok && d > 0 {
		return d
	}
	return defaultPollInterval
}
