// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App   AppConfig   `yaml:"app"`
	Venue VenueConfig `yaml:"venue"`
	Bots  []BotConfig `yaml:"bots" validate:"required,min=1,dive"`
}

// AppConfig contains process-level settings
type AppConfig struct {
	LogLevel      string  `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
	LogFormat     string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogFile       string  `yaml:"log_file"`
	DataDir       string  `yaml:"data_dir" validate:"required"`
	MetricsPort   int     `yaml:"metrics_port" validate:"min=0,max=65535"`
	EnableMetrics bool    `yaml:"enable_metrics"`
	TraceStdout   bool    `yaml:"trace_stdout"`
	TraceSample   float64 `yaml:"trace_sample_ratio" validate:"gte=0,lte=1"`
}

// VenueConfig describes how to reach the exchange bridge
type VenueConfig struct {
	BaseURL            string        `yaml:"base_url" validate:"required,url"`
	StreamURL          string        `yaml:"stream_url" validate:"required,url"`
	FillProcessingMode string        `yaml:"fill_processing_mode" validate:"oneof=history openOrders"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RateLimit          float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst          int           `yaml:"rate_burst" validate:"gte=0"`
}

// SideFloat is a per-side float setting
type SideFloat struct {
	Buy  float64 `yaml:"buy"`
	Sell float64 `yaml:"sell"`
}

// SideInt is a per-side integer setting
type SideInt struct {
	Buy  int `yaml:"buy" validate:"gte=0"`
	Sell int `yaml:"sell" validate:"gte=0"`
}

// SideAllocation is a per-side fund allocation, absolute ("250") or
// a percentage of the side's total balance ("50%")
type SideAllocation struct {
	Buy  string `yaml:"buy" validate:"required"`
	Sell string `yaml:"sell" validate:"required"`
}

// BotConfig is the configuration of one engine instance (one tracked account)
type BotConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Account string `yaml:"account" validate:"required"`
	Key     string `yaml:"key"`

	BaseAsset      string `yaml:"base_asset" validate:"required"`
	QuoteAsset     string `yaml:"quote_asset" validate:"required"`
	BasePrecision  int    `yaml:"base_precision" validate:"gte=0,lte=18"`
	QuotePrecision int    `yaml:"quote_precision" validate:"gte=0,lte=18"`

	StartPrice          float64 `yaml:"start_price" validate:"gt=0"`
	MinPrice            float64 `yaml:"min_price" validate:"gt=0"`
	MaxPrice            float64 `yaml:"max_price" validate:"gt=0"`
	IncrementPercent    float64 `yaml:"increment_percent" validate:"gt=0,lt=100"`
	TargetSpreadPercent float64 `yaml:"target_spread_percent" validate:"gte=0,lt=100"`

	WeightDistribution SideFloat      `yaml:"weight_distribution"`
	BotFunds           SideAllocation `yaml:"bot_funds"`
	ActiveOrders       SideInt        `yaml:"active_orders"`
	MinOrderSize       SideFloat      `yaml:"min_order_size"`
	FeeSide            string         `yaml:"fee_side" validate:"omitempty,oneof=buy sell none"`

	DryRun bool `yaml:"dry_run"`

	DedupeWindow               time.Duration `yaml:"dedupe_window"`
	FillRetention              time.Duration `yaml:"fill_retention"`
	RefreshInterval            time.Duration `yaml:"refresh_interval"`
	DivergenceThresholdPercent float64       `yaml:"divergence_threshold_percent" validate:"gte=0"`
	SpreadToleranceMultiple    float64       `yaml:"spread_tolerance_multiple" validate:"gte=0"`
	PruneProbability           float64       `yaml:"prune_probability" validate:"gte=0,lte=1"`
	MatchTolerancePercent      float64       `yaml:"match_tolerance_percent" validate:"gte=0,lt=100"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	c.App.LogLevel = strings.ToUpper(c.App.LogLevel)
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.App.MetricsPort == 0 {
		c.App.MetricsPort = 9090
	}
	if c.Venue.FillProcessingMode == "" {
		c.Venue.FillProcessingMode = "history"
	}
	if c.Venue.RequestTimeout == 0 {
		c.Venue.RequestTimeout = 10 * time.Second
	}
	if c.Venue.ConnectTimeout == 0 {
		c.Venue.ConnectTimeout = 30 * time.Second
	}
	if c.Venue.RateLimit == 0 {
		c.Venue.RateLimit = 10
	}
	if c.Venue.RateBurst == 0 {
		c.Venue.RateBurst = 20
	}
	for i := range c.Bots {
		c.Bots[i].ApplyDefaults()
	}
}

// ApplyDefaults resolves unset optional bot fields
func (b *BotConfig) ApplyDefaults() {
	if b.FeeSide == "" {
		b.FeeSide = "none"
	}
	if b.BasePrecision == 0 {
		b.BasePrecision = 8
	}
	if b.QuotePrecision == 0 {
		b.QuotePrecision = 8
	}
	if b.DedupeWindow == 0 {
		b.DedupeWindow = 5 * time.Minute
	}
	if b.FillRetention == 0 {
		b.FillRetention = 24 * time.Hour
	}
	if b.RefreshInterval == 0 {
		b.RefreshInterval = time.Minute
	}
	if b.DivergenceThresholdPercent == 0 {
		b.DivergenceThresholdPercent = 10
	}
	if b.SpreadToleranceMultiple == 0 {
		b.SpreadToleranceMultiple = 2
	}
	if b.PruneProbability == 0 {
		b.PruneProbability = 0.1
	}
	if b.MatchTolerancePercent == 0 {
		b.MatchTolerancePercent = b.IncrementPercent / 4
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var msgs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				msgs = append(msgs, ValidationError{
					Field:   fe.Namespace(),
					Value:   fe.Value(),
					Message: fmt.Sprintf("failed '%s' constraint", fe.Tag()),
				}.Error())
			}
		} else {
			msgs = append(msgs, err.Error())
		}
	}

	names := make(map[string]bool)
	for i := range c.Bots {
		b := &c.Bots[i]
		if names[b.Name] {
			msgs = append(msgs, ValidationError{Field: fmt.Sprintf("bots[%d].name", i), Value: b.Name, Message: "bot names must be unique"}.Error())
		}
		names[b.Name] = true
		if err := b.validateGrid(); err != nil {
			msgs = append(msgs, err.Error())
		}
	}

	if len(msgs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
	}
	return nil
}

func (b *BotConfig) validateGrid() error {
	if !(b.MinPrice < b.StartPrice && b.StartPrice < b.MaxPrice) {
		return ValidationError{
			Field:   b.Name + ".start_price",
			Value:   b.StartPrice,
			Message: "must satisfy min_price < start_price < max_price",
		}
	}
	if _, err := ParseAllocation(b.BotFunds.Buy); err != nil {
		return ValidationError{Field: b.Name + ".bot_funds.buy", Value: b.BotFunds.Buy, Message: err.Error()}
	}
	if _, err := ParseAllocation(b.BotFunds.Sell); err != nil {
		return ValidationError{Field: b.Name + ".bot_funds.sell", Value: b.BotFunds.Sell, Message: err.Error()}
	}
	if b.MinOrderSize.Buy < 0 || b.MinOrderSize.Sell < 0 {
		return ValidationError{Field: b.Name + ".min_order_size", Value: b.MinOrderSize, Message: "must not be negative"}
	}
	return nil
}

// Allocation is a parsed fund allocation
type Allocation struct {
	Percent bool
	Value   decimal.Decimal
}

// ParseAllocation parses "250" or "50%"
func ParseAllocation(s string) (Allocation, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Allocation{}, fmt.Errorf("allocation is empty")
	}
	percent := strings.HasSuffix(s, "%")
	v, err := decimal.NewFromString(strings.TrimSuffix(s, "%"))
	if err != nil {
		return Allocation{}, fmt.Errorf("invalid allocation %q: %w", s, err)
	}
	if v.IsNegative() {
		return Allocation{}, fmt.Errorf("allocation must not be negative")
	}
	if percent && v.GreaterThan(decimal.NewFromInt(100)) {
		return Allocation{}, fmt.Errorf("percentage allocation above 100%%")
	}
	return Allocation{Percent: percent, Value: v}, nil
}

// Resolve returns the budget implied by the allocation for a total balance
func (a Allocation) Resolve(total decimal.Decimal) decimal.Decimal {
	if !a.Percent {
		if a.Value.GreaterThan(total) {
			return total
		}
		return a.Value
	}
	return total.Mul(a.Value).Div(decimal.NewFromInt(100))
}

// String returns a representation of the configuration with keys masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.Bots = make([]BotConfig, len(c.Bots))
	for i, b := range c.Bots {
		b.Key = maskString(b.Key)
		configCopy.Bots[i] = b
	}
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultBotConfig returns a small valid bot configuration for testing
func DefaultBotConfig() BotConfig {
	b := BotConfig{
		Name:                "test",
		Account:             "1.2.100",
		Key:                 "test_key",
		BaseAsset:           "1.3.0",
		QuoteAsset:          "1.3.121",
		BasePrecision:       5,
		QuotePrecision:      4,
		StartPrice:          1.0,
		MinPrice:            0.5,
		MaxPrice:            2.0,
		IncrementPercent:    1.0,
		TargetSpreadPercent: 2.0,
		WeightDistribution:  SideFloat{Buy: 0.5, Sell: 0.5},
		BotFunds:            SideAllocation{Buy: "100%", Sell: "100%"},
		ActiveOrders:        SideInt{Buy: 4, Sell: 4},
		MinOrderSize:        SideFloat{Buy: 1, Sell: 1},
	}
	b.ApplyDefaults()
	return b
}
