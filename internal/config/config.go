package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// FRAUD_PUBSUB_SUBSCRIPTION or FRAUD_RULES_HIGH_RISK_COUNTRIES=GT,IR.
const EnvPrefix = "FRAUD"

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type PubSub struct {
	Subscription string `mapstructure:"subscription" yaml:"subscription"`
	AlertTopic   string `mapstructure:"alert_topic" yaml:"alert_topic"`
	InputTopic   string `mapstructure:"input_topic" yaml:"input_topic"` // used by replay
}

type BigQuery struct {
	Dataset string `mapstructure:"dataset" yaml:"dataset"`
	Table   string `mapstructure:"table" yaml:"table"`
}

type Rules struct {
	AmountThreshold   string   `mapstructure:"amount_threshold" yaml:"amount_threshold"`
	HighRiskCountries []string `mapstructure:"high_risk_countries" yaml:"high_risk_countries"`
}

type Ingest struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxOutstanding int           `mapstructure:"max_outstanding" yaml:"max_outstanding"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

type Sink struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Alerts struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// DeadLetter is optional; an empty Bucket disables archiving of rejected payloads.
type DeadLetter struct {
	Bucket  string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix  string        `mapstructure:"prefix" yaml:"prefix"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Metrics struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

type Config struct {
	ProjectID  string     `mapstructure:"project_id" yaml:"project_id"`
	Log        Log        `mapstructure:"log" yaml:"log"`
	PubSub     PubSub     `mapstructure:"pubsub" yaml:"pubsub"`
	BigQuery   BigQuery   `mapstructure:"bigquery" yaml:"bigquery"`
	Rules      Rules      `mapstructure:"rules" yaml:"rules"`
	Ingest     Ingest     `mapstructure:"ingest" yaml:"ingest"`
	Sink       Sink       `mapstructure:"sink" yaml:"sink"`
	Alerts     Alerts     `mapstructure:"alerts" yaml:"alerts"`
	DeadLetter DeadLetter `mapstructure:"dead_letter" yaml:"dead_letter"`
	Metrics    Metrics    `mapstructure:"metrics" yaml:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_id", os.Getenv("GOOGLE_CLOUD_PROJECT"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("pubsub.subscription", "transactions-sub")
	v.SetDefault("pubsub.alert_topic", "fraud-alerts")
	v.SetDefault("pubsub.input_topic", "transactions-stream")
	v.SetDefault("bigquery.dataset", "fraud")
	v.SetDefault("bigquery.table", "transactions")
	v.SetDefault("rules.amount_threshold", "10000")
	v.SetDefault("rules.high_risk_countries", []string{"GT"})
	v.SetDefault("ingest.concurrency", 10)
	v.SetDefault("ingest.max_outstanding", 100)
	v.SetDefault("ingest.shutdown_grace", 30*time.Second)
	v.SetDefault("sink.timeout", 10*time.Second)
	v.SetDefault("alerts.timeout", 5*time.Second)
	v.SetDefault("alerts.max_attempts", 3)
	v.SetDefault("alerts.backoff", 200*time.Millisecond)
	v.SetDefault("dead_letter.bucket", "")
	v.SetDefault("dead_letter.prefix", "rejected")
	v.SetDefault("dead_letter.timeout", 10*time.Second)
	v.SetDefault("metrics.listen_address", ":9090")
}

// Load reads the YAML file at path (skipped when path is empty) on top of the
// defaults, then applies FRAUD_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Threshold parses the configured amount threshold.
func (c *Config) Threshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Rules.AmountThreshold))
	if err != nil {
		return decimal.Zero, fmt.Errorf("rules.amount_threshold %q: %w", c.Rules.AmountThreshold, err)
	}
	return d, nil
}

// Validate reports every problem at once so a bad deployment fails with the full list.
func (c *Config) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required (or set GOOGLE_CLOUD_PROJECT)"))
	}
	if c.PubSub.Subscription == "" {
		errs = append(errs, errors.New("pubsub.subscription is required"))
	}
	if c.PubSub.AlertTopic == "" {
		errs = append(errs, errors.New("pubsub.alert_topic is required"))
	}
	if c.BigQuery.Dataset == "" || c.BigQuery.Table == "" {
		errs = append(errs, errors.New("bigquery.dataset and bigquery.table are required"))
	}
	if d, err := c.Threshold(); err != nil {
		errs = append(errs, err)
	} else if d.IsNegative() {
		errs = append(errs, errors.New("rules.amount_threshold must not be negative"))
	}
	if c.Ingest.Concurrency < 1 {
		errs = append(errs, errors.New("ingest.concurrency must be at least 1"))
	}
	if c.Ingest.MaxOutstanding < c.Ingest.Concurrency {
		errs = append(errs, errors.New("ingest.max_outstanding must be >= ingest.concurrency"))
	}
	if c.Ingest.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("ingest.shutdown_grace must be positive"))
	}
	if c.Sink.Timeout <= 0 {
		errs = append(errs, errors.New("sink.timeout must be positive"))
	}
	if c.Alerts.Timeout <= 0 {
		errs = append(errs, errors.New("alerts.timeout must be positive"))
	}
	if c.Alerts.MaxAttempts < 1 {
		errs = append(errs, errors.New("alerts.max_attempts must be at least 1"))
	}
	if c.Alerts.Backoff < 0 {
		errs = append(errs, errors.New("alerts.backoff must not be negative"))
	}
	if c.DeadLetter.Bucket != "" && c.DeadLetter.Timeout <= 0 {
		errs = append(errs, errors.New("dead_letter.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration in the same shape Load accepts.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// ClassifierRules converts the rules section for the classifier.
func (c *Config) ClassifierRules() (pipeline.Rules, error) {
	threshold, err := c.Threshold()
	if err != nil {
		return pipeline.Rules{}, err
	}
	return pipeline.Rules{
		AmountThreshold:   threshold,
		HighRiskCountries: c.Rules.HighRiskCountries,
	}, nil
}
