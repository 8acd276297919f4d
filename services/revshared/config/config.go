package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"revshare/services/revshared/domain"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

// UnmarshalTOML parses human readable duration strings.
func (d *Duration) UnmarshalTOML(value any) error {
	raw, ok := value.(string)
	if !ok {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Amount wraps decimal.Decimal so money and rate knobs never pass through float64.
type Amount struct {
	decimal.Decimal
	set bool
}

// NewAmount builds an Amount from a literal.
func NewAmount(raw string) Amount {
	return Amount{Decimal: decimal.RequireFromString(raw), set: true}
}

// UnmarshalYAML parses numeric scalars without float rounding.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be scalar")
	}
	return a.parse(value.Value)
}

// UnmarshalTOML accepts strings, integers and floats.
func (a *Amount) UnmarshalTOML(value any) error {
	switch v := value.(type) {
	case string:
		return a.parse(v)
	case int64:
		a.Decimal, a.set = decimal.NewFromInt(v), true
		return nil
	case float64:
		a.Decimal, a.set = decimal.NewFromFloat(v), true
		return nil
	default:
		return fmt.Errorf("amount must be numeric, got %T", value)
	}
}

func (a *Amount) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", raw, err)
	}
	a.Decimal, a.set = parsed, true
	return nil
}

// IsSet reports whether the amount was supplied.
func (a Amount) IsSet() bool { return a.set }

// Cap policies.
const (
	CapPolicyAggregate = "aggregate"
	CapPolicyPerRecord = "per_record"
)

// Config captures runtime configuration for revshared.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Environment   string             `yaml:"env" toml:"env"`
	DatabasePath  string             `yaml:"database" toml:"database"`
	Calculation   CalculationConfig  `yaml:"calculation" toml:"calculation"`
	Queue         QueueConfig        `yaml:"queue" toml:"queue"`
	Settlement    SettlementConfig   `yaml:"settlement" toml:"settlement"`
	Rail          RailConfig         `yaml:"rail" toml:"rail"`
	Rates         RatesConfig        `yaml:"rates" toml:"rates"`
	Network       NetworkConfig      `yaml:"network" toml:"network"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Admin         AdminConfig        `yaml:"admin" toml:"admin"`
	Notify        NotifyConfig       `yaml:"notify" toml:"notify"`
	Export        ExportConfig       `yaml:"export" toml:"export"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// CalculationConfig tunes the revenue share pass.
type CalculationConfig struct {
	LevelRate         Amount         `yaml:"level_rate" toml:"level_rate"`
	CapPercent        Amount         `yaml:"cap_percent" toml:"cap_percent"`
	MaxLevel          int            `yaml:"max_level" toml:"max_level"`
	CapPolicy         string         `yaml:"cap_policy" toml:"cap_policy"`
	PVTiers           []PVTierConfig `yaml:"pv_tiers" toml:"pv_tiers"`
	MinPersonalIncome Amount         `yaml:"min_personal_income" toml:"min_personal_income"`
	MinClientBase     int            `yaml:"min_client_base" toml:"min_client_base"`
}

// PVTierConfig is one step of the partner value schedule.
type PVTierConfig struct {
	MinIncome Amount `yaml:"min_income" toml:"min_income"`
	Percent   Amount `yaml:"percent" toml:"percent"`
}

// QueueConfig controls dequeue batches and the retry schedule.
type QueueConfig struct {
	BatchSize  int      `yaml:"batch_size" toml:"batch_size"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay" toml:"max_delay"`
	Lease      Duration `yaml:"lease" toml:"lease"`
}

// SettlementConfig controls conversion and payout thresholds.
type SettlementConfig struct {
	Currency           string   `yaml:"currency" toml:"currency"`
	Asset              string   `yaml:"asset" toml:"asset"`
	Decimals           int      `yaml:"decimals" toml:"decimals"`
	MinPayout          Amount   `yaml:"min_payout" toml:"min_payout"`
	StaleRateMaxAmount Amount   `yaml:"stale_rate_max_amount" toml:"stale_rate_max_amount"`
	RunBudget          Amount   `yaml:"run_budget" toml:"run_budget"`
	WorkerID           string   `yaml:"worker_id" toml:"worker_id"`
	PauseOnStart       bool     `yaml:"pause" toml:"pause"`
	PollInterval       Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// RailConfig points at the external signing client.
type RailConfig struct {
	Endpoint        string   `yaml:"endpoint" toml:"endpoint"`
	Wallet          string   `yaml:"wallet" toml:"wallet"`
	Timeout         Duration `yaml:"timeout" toml:"timeout"`
	BearerToken     string   `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string   `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// RatesConfig configures the exchange rate provider.
type RatesConfig struct {
	Base      string       `yaml:"base" toml:"base"`
	Quote     string       `yaml:"quote" toml:"quote"`
	Freshness Duration     `yaml:"freshness" toml:"freshness"`
	Sources   []RateSource `yaml:"sources" toml:"sources"`
}

// Pair renders the configured base/quote pair.
func (r RatesConfig) Pair() string {
	return strings.ToUpper(r.Base) + "/" + strings.ToUpper(r.Quote)
}

// RateSource describes an upstream price feed, tried in declaration order.
type RateSource struct {
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	APIKey   string            `yaml:"api_key" toml:"api_key"`
	Assets   map[string]string `yaml:"assets" toml:"assets"`
	Rate     Amount            `yaml:"rate" toml:"rate"`
	RPS      float64           `yaml:"rps" toml:"rps"`
}

// NetworkConfig selects the referral edge backend.
type NetworkConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Neo4j   Neo4jConfig `yaml:"neo4j" toml:"neo4j"`
}

// Neo4jConfig configures the graph edge source.
type Neo4jConfig struct {
	URI         string `yaml:"uri" toml:"uri"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	PasswordEnv string `yaml:"password_env" toml:"password_env"`
	Database    string `yaml:"database" toml:"database"`
}

// OrchestratorConfig drives the background loops.
type OrchestratorConfig struct {
	TickInterval   Duration `yaml:"tick_interval" toml:"tick_interval"`
	SettleInterval Duration `yaml:"settle_interval" toml:"settle_interval"`
	NotifyInterval Duration `yaml:"notify_interval" toml:"notify_interval"`
	CalcLockTTL    Duration `yaml:"calc_lock_ttl" toml:"calc_lock_ttl"`
	AutoClose      bool     `yaml:"auto_close" toml:"auto_close"`
	AutoApprove    bool     `yaml:"auto_approve" toml:"auto_approve"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret    string          `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv string          `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer       string          `yaml:"issuer" toml:"issuer"`
	Audience     string          `yaml:"audience" toml:"audience"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig throttles admin requests per client.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

// NotifyConfig configures operator alerting.
type NotifyConfig struct {
	SlackWebhookURL string   `yaml:"slack_webhook_url" toml:"slack_webhook_url"`
	SlackChannel    string   `yaml:"slack_channel" toml:"slack_channel"`
	SentryDSN       string   `yaml:"sentry_dsn" toml:"sentry_dsn"`
	Lookback        Duration `yaml:"lookback" toml:"lookback"`
}

// ExportConfig controls period report output.
type ExportConfig struct {
	Dir     string   `yaml:"dir" toml:"dir"`
	Formats []string `yaml:"formats" toml:"formats"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	// SampleRatio is the root-span sampling fraction; 0 samples everything.
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	MetricInterval Duration `yaml:"metric_interval" toml:"metric_interval"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := Finalize(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Finalize applies defaults, resolves secrets from the environment and validates.
func Finalize(cfg *Config) error {
	applyDefaults(cfg)
	if err := cfg.normalise(); err != nil {
		return err
	}
	return validate(*cfg)
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/revshared.sqlite"
	}
	calc := &cfg.Calculation
	if !calc.LevelRate.IsSet() {
		calc.LevelRate = NewAmount("0.05")
	}
	if !calc.CapPercent.IsSet() {
		calc.CapPercent = NewAmount("0.30")
	}
	if calc.MaxLevel <= 0 {
		calc.MaxLevel = domain.MaxLevel
	}
	if calc.CapPolicy == "" {
		calc.CapPolicy = CapPolicyAggregate
	}
	if len(calc.PVTiers) == 0 {
		for _, tier := range domain.DefaultPVTiers() {
			calc.PVTiers = append(calc.PVTiers, PVTierConfig{
				MinIncome: Amount{Decimal: tier.MinIncome, set: true},
				Percent:   Amount{Decimal: tier.Percent, set: true},
			})
		}
	}
	if !calc.MinPersonalIncome.IsSet() {
		calc.MinPersonalIncome = NewAmount("500")
	}
	if calc.MinClientBase == 0 {
		calc.MinClientBase = 5
	}

	q := &cfg.Queue
	if q.BatchSize <= 0 {
		q.BatchSize = 50
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = 5
	}
	if q.BaseDelay.Duration == 0 {
		q.BaseDelay.Duration = time.Minute
	}
	if q.MaxDelay.Duration == 0 {
		q.MaxDelay.Duration = 6 * time.Hour
	}
	if q.Lease.Duration == 0 {
		q.Lease.Duration = 5 * time.Minute
	}

	s := &cfg.Settlement
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.Asset == "" {
		s.Asset = "TON"
	}
	if s.Decimals == 0 {
		s.Decimals = 9
	}
	if !s.MinPayout.IsSet() {
		s.MinPayout = NewAmount("10")
	}
	if !s.StaleRateMaxAmount.IsSet() {
		s.StaleRateMaxAmount = NewAmount("100")
	}
	if !s.RunBudget.IsSet() {
		s.RunBudget = NewAmount("0")
	}
	if s.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "revshared"
		}
		s.WorkerID = host
	}
	if s.PollInterval.Duration == 0 {
		s.PollInterval.Duration = 30 * time.Second
	}

	if cfg.Rail.Timeout.Duration == 0 {
		cfg.Rail.Timeout.Duration = 30 * time.Second
	}
	if cfg.Rail.Wallet == "" {
		cfg.Rail.Wallet = "hot"
	}

	r := &cfg.Rates
	if r.Base == "" {
		r.Base = s.Asset
	}
	if r.Quote == "" {
		r.Quote = s.Currency
	}
	if r.Freshness.Duration == 0 {
		r.Freshness.Duration = 24 * time.Hour
	}

	if cfg.Network.Backend == "" {
		cfg.Network.Backend = "sqlite"
	}
	if cfg.Network.Neo4j.Database == "" {
		cfg.Network.Neo4j.Database = "neo4j"
	}

	o := &cfg.Orchestrator
	if o.TickInterval.Duration == 0 {
		o.TickInterval.Duration = time.Hour
	}
	if o.SettleInterval.Duration == 0 {
		o.SettleInterval.Duration = time.Minute
	}
	if o.NotifyInterval.Duration == 0 {
		o.NotifyInterval.Duration = time.Minute
	}
	if o.CalcLockTTL.Duration == 0 {
		o.CalcLockTTL.Duration = 15 * time.Minute
	}

	if cfg.Admin.JWTSecretEnv == "" {
		cfg.Admin.JWTSecretEnv = "REVSHARE_JWT_SECRET"
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "revshare"
	}
	if cfg.Admin.RateLimit.RPS <= 0 {
		cfg.Admin.RateLimit.RPS = 20
	}
	if cfg.Admin.RateLimit.Burst <= 0 {
		cfg.Admin.RateLimit.Burst = 40
	}

	if cfg.Notify.Lookback.Duration == 0 {
		cfg.Notify.Lookback.Duration = 7 * 24 * time.Hour
	}

	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "/var/data/revshare-exports"
	}
	if cfg.Telemetry.MetricInterval.Duration == 0 {
		cfg.Telemetry.MetricInterval.Duration = 15 * time.Second
	}

	if len(cfg.Export.Formats) == 0 {
		cfg.Export.Formats = []string{"csv", "parquet"}
	}
}

func (cfg *Config) normalise() error {
	if cfg.Admin.JWTSecret == "" {
		cfg.Admin.JWTSecret = strings.TrimSpace(os.Getenv(cfg.Admin.JWTSecretEnv))
	}
	if cfg.Notify.SlackWebhookURL == "" {
		cfg.Notify.SlackWebhookURL = strings.TrimSpace(os.Getenv("SLACK_WEBHOOK_URL"))
	}
	if cfg.Notify.SentryDSN == "" {
		cfg.Notify.SentryDSN = strings.TrimSpace(os.Getenv("SENTRY_DSN"))
	}
	if path := strings.TrimSpace(cfg.Rail.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rail bearer_token_file: %w", err)
		}
		cfg.Rail.BearerToken = strings.TrimSpace(string(contents))
	}
	neo := &cfg.Network.Neo4j
	if neo.Password == "" && neo.PasswordEnv != "" {
		neo.Password = os.Getenv(neo.PasswordEnv)
	}
	cfg.Calculation.CapPolicy = strings.ToLower(strings.TrimSpace(cfg.Calculation.CapPolicy))
	cfg.Network.Backend = strings.ToLower(strings.TrimSpace(cfg.Network.Backend))
	return nil
}

func validate(cfg Config) error {
	calc := cfg.Calculation
	if !calc.LevelRate.IsPositive() || calc.LevelRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("calculation.level_rate must be in (0, 1]")
	}
	if !calc.CapPercent.IsPositive() || calc.CapPercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("calculation.cap_percent must be in (0, 1]")
	}
	if calc.MaxLevel > domain.MaxLevel {
		return fmt.Errorf("calculation.max_level must not exceed %d", domain.MaxLevel)
	}
	switch calc.CapPolicy {
	case CapPolicyAggregate, CapPolicyPerRecord:
	default:
		return fmt.Errorf("calculation.cap_policy %q must be %q or %q", calc.CapPolicy, CapPolicyAggregate, CapPolicyPerRecord)
	}
	if _, err := cfg.PVSchedule(); err != nil {
		return fmt.Errorf("calculation.pv_tiers: %w", err)
	}
	if cfg.Queue.MaxDelay.Duration < cfg.Queue.BaseDelay.Duration {
		return fmt.Errorf("queue.max_delay must be at least queue.base_delay")
	}
	if cfg.Settlement.MinPayout.IsNegative() || cfg.Settlement.RunBudget.IsNegative() {
		return fmt.Errorf("settlement amounts must not be negative")
	}
	if cfg.Settlement.Decimals < 0 || cfg.Settlement.Decimals > 18 {
		return fmt.Errorf("settlement.decimals must be between 0 and 18")
	}
	if strings.TrimSpace(cfg.Rail.Endpoint) == "" {
		return fmt.Errorf("rail endpoint must be configured")
	}
	if len(cfg.Rates.Sources) == 0 {
		return fmt.Errorf("at least one rate source must be configured")
	}
	for _, src := range cfg.Rates.Sources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("rate source name must be configured")
		}
		switch strings.ToLower(src.Type) {
		case "coingecko", "nowpayments":
		case "static":
			if !src.Rate.IsPositive() {
				return fmt.Errorf("rate source %s: static rate must be positive", src.Name)
			}
		default:
			return fmt.Errorf("rate source %s: unsupported type %q", src.Name, src.Type)
		}
	}
	switch cfg.Network.Backend {
	case "sqlite":
	case "neo4j":
		if strings.TrimSpace(cfg.Network.Neo4j.URI) == "" {
			return fmt.Errorf("network.neo4j.uri must be configured for the neo4j backend")
		}
	default:
		return fmt.Errorf("network.backend %q must be sqlite or neo4j", cfg.Network.Backend)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured (set %s)", cfg.Admin.JWTSecretEnv)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0, 1]")
	}
	for _, format := range cfg.Export.Formats {
		switch strings.ToLower(format) {
		case "csv", "parquet":
		default:
			return fmt.Errorf("export format %q must be csv or parquet", format)
		}
	}
	return nil
}

// PVSchedule builds the partner value schedule described by the calculation section.
func (cfg Config) PVSchedule() (*domain.PVSchedule, error) {
	tiers := make([]domain.PVTier, 0, len(cfg.Calculation.PVTiers))
	for _, tier := range cfg.Calculation.PVTiers {
		tiers = append(tiers, domain.PVTier{MinIncome: tier.MinIncome.Decimal, Percent: tier.Percent.Decimal})
	}
	return domain.NewPVSchedule(tiers, cfg.Calculation.MinPersonalIncome.Decimal, cfg.Calculation.MinClientBase)
}
