package config

import (
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	postgres_wrapper "github.com/cw07/omsflow/pkg/infra/postgres"
	redis_wrapper "github.com/cw07/omsflow/pkg/infra/redis"
	"github.com/cw07/omsflow/pkg/kafkawrapper"
	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/refdata"
)

type FixConfig struct {
	ConfigFilepath string        `yaml:"config_filepath"`
	SenderCompID   string        `yaml:"sender_comp_id"`
	TargetCompID   string        `yaml:"target_comp_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ValidationConfig struct {
	MaxPriceDeviation string            `yaml:"max_price_deviation"`
	MaxPositionValue  string            `yaml:"max_position_value"`
	ReferencePrices   map[string]string `yaml:"reference_prices"`
}

type MonitoringConfig struct {
	Intervals  map[string]time.Duration `yaml:"intervals"`
	MaxRetries int                      `yaml:"max_retries"`
	RetryDelay time.Duration            `yaml:"retry_delay"`
}

type SQLSourceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RedisSourceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Name     string `yaml:"name"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type KafkaSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

type SourcesConfig struct {
	SQL   *SQLSourceConfig   `yaml:"sql"`
	Redis *RedisSourceConfig `yaml:"redis"`
	Kafka *KafkaSourceConfig `yaml:"kafka"`
}

type AppConfig struct {
	ServiceName string                           `yaml:"service_name"`
	Account     string                           `yaml:"account"`
	OmsDB       *postgres_wrapper.PostgresConfig `yaml:"oms_db"`
	Redis       *redis_wrapper.RedisConfig       `yaml:"redis"`
	Kafka       *kafkawrapper.ConsumerConfig     `yaml:"kafka"`
	Fix         *FixConfig                       `yaml:"fix"`
	Validation  *ValidationConfig                `yaml:"validation"`
	RefData     *refdata.Config                  `yaml:"broker_refdata"`
	Monitoring  *MonitoringConfig                `yaml:"monitoring"`
	Nats        *deadletter.NatsConfig           `yaml:"nats"`
	Sources     *SourcesConfig                   `yaml:"sources"`
}

// Load load config from file and environment variables.
func Load(filePath string) (*AppConfig, error) {
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	fields := []interface{}{
		"func",
		"config.readFromFile",
		"filePath",
		filePath,
	}

	sugar := zap.S().With(fields...)

	sugar.Debug("Load config...")
	zap.S().Debugf("CONFIG_FILE=%v", filePath)

	configBytes, err := os.ReadFile(filePath)
	if err != nil {
		sugar.Error("Failed to load config file")
		return nil, err
	}
	configBytes = []byte(os.ExpandEnv(string(configBytes)))

	cfg := &AppConfig{}

	err = yaml.Unmarshal(configBytes, cfg)
	if err != nil {
		sugar.Error("Failed to parse config file")
		return nil, err
	}

	zap.S().Debugf("config: %+v", cfg)

	return cfg, nil
}
