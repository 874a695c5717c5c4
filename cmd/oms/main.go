package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cw07/omsflow/config"
	postgres_wrapper "github.com/cw07/omsflow/pkg/infra/postgres"
	redis_wrapper "github.com/cw07/omsflow/pkg/infra/redis"
	"github.com/cw07/omsflow/pkg/logging"
	"github.com/cw07/omsflow/pkg/oms"
	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	fixgateway "github.com/cw07/omsflow/pkg/oms/gateway/fix"
	"github.com/cw07/omsflow/pkg/oms/journal"
	"github.com/cw07/omsflow/pkg/oms/model"
	"github.com/cw07/omsflow/pkg/oms/monitor"
	"github.com/cw07/omsflow/pkg/oms/refdata"
	"github.com/cw07/omsflow/pkg/oms/source"
	"github.com/cw07/omsflow/pkg/oms/validation"
)

func main() {
	var (
		configFile string
		onlySource string
		startTime  string
		endTime    string
	)
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.StringVar(&onlySource, "source", "", "Run a single source adapter (sql, redis, kafka)")
	flag.StringVar(&startTime, "start-time", "", "Lower bound for the SQL processing window (RFC3339)")
	flag.StringVar(&endTime, "end-time", "", "Upper bound for the SQL processing window (RFC3339)")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}

	if _, err := logging.InitGlobal(cfg.ServiceName, logging.INFO); err != nil {
		panic(err)
	}

	configBytes, err := json.MarshalIndent(cfg, "", "   ")
	if err != nil {
		zap.S().Warnf("could not convert config to JSON: %v", err)
	} else {
		zap.S().Debugf("load config %s", string(configBytes))
	}

	// pprof and the Prometheus scrape endpoint share the debug listener
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe("localhost:6060", nil)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	db := postgres_wrapper.InitPostgresWithBackoff(cfg.OmsDB)

	rd := refdata.New(cfg.RefData)
	validator := validation.NewEngine(buildValidationContext(cfg, rd), validation.DefaultRules()...)
	mapper := fieldmap.NewMapper(rd, fieldmap.SessionConfig{
		SenderCompID: cfg.Fix.SenderCompID,
		TargetCompID: cfg.Fix.TargetCompID,
		Account:      cfg.Account,
	})

	gw := fixgateway.New(&fixgateway.Config{
		SettingsPath:   cfg.Fix.ConfigFilepath,
		RequestTimeout: cfg.Fix.RequestTimeout,
	})

	var sink deadletter.Sink
	if cfg.Nats != nil {
		natsSink, err := deadletter.NewNatsSink(cfg.Nats)
		if err != nil {
			zap.S().Fatalw("init nats sink", "err", err)
		}
		defer natsSink.Close()
		sink = natsSink
	} else {
		zap.S().Warn("nats not configured, dead letters stay in memory")
		sink = deadletter.NewMemorySink()
	}

	engine := oms.NewOMS(
		&oms.Config{Account: cfg.Account},
		gw,
		validator,
		mapper,
		journal.NewSQLJournal(db),
		sink,
		buildPolicy(cfg.Monitoring),
		buildSources(cfg, db, onlySource, startTime, endTime)...,
	)

	if err := engine.Start(ctx); err != nil {
		zap.S().Fatalw("start engine", "err", err)
	}
	zap.S().Info("order lifecycle engine started")

	<-sigs
	zap.S().Info("shutting down...")
	cancel()
	engine.Stop()
	zap.S().Info("exited cleanly")
}

func buildValidationContext(cfg *config.AppConfig, rd *refdata.BrokerRefData) *validation.Context {
	vc := &validation.Context{
		RefData:         rd,
		ReferencePrices: map[string]decimal.Decimal{},
	}
	if cfg.Validation == nil {
		return vc
	}
	vc.MaxPriceDeviation = mustDecimal(cfg.Validation.MaxPriceDeviation)
	vc.MaxPositionValue = mustDecimal(cfg.Validation.MaxPositionValue)
	for symbol, price := range cfg.Validation.ReferencePrices {
		vc.ReferencePrices[symbol] = mustDecimal(price)
	}
	return vc
}

func buildPolicy(mc *config.MonitoringConfig) *monitor.PollingPolicy {
	policy := monitor.DefaultPolicy()
	if mc == nil {
		return policy
	}
	if mc.MaxRetries > 0 {
		policy.MaxRetries = mc.MaxRetries
	}
	if mc.RetryDelay > 0 {
		policy.RetryDelay = mc.RetryDelay
	}
	for name, interval := range mc.Intervals {
		policy.Intervals[model.OrderType(name)] = interval
	}
	return policy
}

func buildSources(cfg *config.AppConfig, db *gorm.DB, onlySource, startTime, endTime string) []source.OrderSource {
	var sources []source.OrderSource
	enabled := func(name string) bool {
		return onlySource == "" || onlySource == name
	}

	if sc := cfg.Sources; sc != nil {
		if sc.SQL != nil && sc.SQL.Enabled && enabled("sql") {
			sqlCfg := &source.SQLConfig{
				Name:         sc.SQL.Name,
				PollInterval: sc.SQL.PollInterval,
				StartTime:    parseTime(startTime),
				EndTime:      parseTime(endTime),
			}
			sources = append(sources, source.NewSQLSource(db, sqlCfg))
		}
		if sc.Redis != nil && sc.Redis.Enabled && enabled("redis") {
			client, err := redis_wrapper.InitRedis(cfg.Redis)
			if err != nil {
				zap.S().Fatalw("init redis", "err", err)
			}
			sources = append(sources, source.NewRedisStreamSource(client, &source.RedisStreamConfig{
				Name:      sc.Redis.Name,
				StreamKey: sc.Redis.Stream,
				Group:     sc.Redis.Group,
				Consumer:  sc.Redis.Consumer,
			}))
		}
		if sc.Kafka != nil && sc.Kafka.Enabled && enabled("kafka") {
			sources = append(sources, source.NewKafkaSource(sc.Kafka.Name, cfg.Kafka))
		}
	}

	if len(sources) == 0 {
		zap.S().Fatal("no order source enabled")
	}
	return sources
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		zap.S().Fatalw("bad time in flags", "value", s, "err", err)
	}
	return t
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		zap.S().Fatalw("bad decimal in config", "value", s, "err", err)
	}
	return d
}
