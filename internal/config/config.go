package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/gregtusar/quoter/pkg/secrets"
	"github.com/gregtusar/quoter/pkg/strategy"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Products []ProductConfig       `mapstructure:"products"`
	Coinbase CoinbaseConfig        `mapstructure:"coinbase"`
	Book     BookConfig            `mapstructure:"book"`
	OMS      OMSConfig             `mapstructure:"oms"`
	Stream   StreamConfig          `mapstructure:"stream"`
	Trader   TraderConfig          `mapstructure:"trader"`
	Strategy strategy.LadderConfig `mapstructure:"strategy"`
	Storage  StorageConfig         `mapstructure:"storage"`
	Server   ServerConfig          `mapstructure:"server"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	GCP      GCPConfig             `mapstructure:"gcp"`
}

// ProductConfig describes one quoted symbol.
type ProductConfig struct {
	Symbol   string          `mapstructure:"symbol"`
	TickSize decimal.Decimal `mapstructure:"tick_size"`
	LotSize  decimal.Decimal `mapstructure:"lot_size"`
	// InventoryTarget is the base balance treated as flat.
	InventoryTarget decimal.Decimal `mapstructure:"inventory_target"`
}

type CoinbaseConfig struct {
	// AuthType is "jwt" or "legacy"; empty picks jwt when a private key is set.
	AuthType   string `mapstructure:"auth_type"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
	APIKeyName string `mapstructure:"api_key_name"` // organizations/{org_id}/apiKeys/{key_id}
	PrivateKey string `mapstructure:"private_key"`  // EC private key in PEM format

	Sandbox           bool    `mapstructure:"sandbox"`
	BaseURL           string  `mapstructure:"base_url"`
	MarketDataURL     string  `mapstructure:"market_data_url"`
	UserDataURL       string  `mapstructure:"user_data_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type BookConfig struct {
	Depth      int           `mapstructure:"depth"`
	GapPolicy  string        `mapstructure:"gap_policy"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type LimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type OMSConfig struct {
	InnerCount            int             `mapstructure:"inner_count"`
	PriceDeadband         decimal.Decimal `mapstructure:"price_deadband"`
	AmendPriceTolerance   decimal.Decimal `mapstructure:"amend_price_tolerance"`
	SizeTolerancePct      decimal.Decimal `mapstructure:"size_tolerance_pct"`
	OuterBuffer           decimal.Decimal `mapstructure:"outer_buffer"`
	LatencyThreshold      time.Duration   `mapstructure:"latency_threshold"`
	LatencyAlpha          float64         `mapstructure:"latency_alpha"`
	MaxPosition           decimal.Decimal `mapstructure:"max_position"`
	InventoryExtremeRatio decimal.Decimal `mapstructure:"inventory_extreme_ratio"`
	PostOnly              bool            `mapstructure:"post_only"`
	Concurrency           int             `mapstructure:"concurrency"`
	RequestTimeout        time.Duration   `mapstructure:"request_timeout"`
	ShadowTTL             time.Duration   `mapstructure:"shadow_ttl"`
	PollGrace             time.Duration   `mapstructure:"poll_grace"`
	Costs                 oms.Costs       `mapstructure:"costs"`
	// Limits is keyed by endpoint class: create, amend, cancel, cancel_all, query.
	Limits map[string]LimitConfig `mapstructure:"limits"`
}

type StreamConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	HealthyAfter     time.Duration `mapstructure:"healthy_after"`
	ResyncTries      uint          `mapstructure:"resync_tries"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
}

type TraderConfig struct {
	CycleInterval    time.Duration `mapstructure:"cycle_interval"`
	StaleHaltAfter   time.Duration `mapstructure:"stale_halt_after"`
	UnknownHaltCount int           `mapstructure:"unknown_halt_count"`
	UnknownWindow    time.Duration `mapstructure:"unknown_window"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	// Port 0 disables the status API.
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/quoter")
	}

	v.SetEnvPrefix("QUOTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML numbers and strings into decimal.Decimal. Strings
// are preferred in config files; floats are accepted as written.
func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("products", []map[string]any{
		{"symbol": "BTC-USD", "tick_size": "0.01", "lot_size": "0.00000001", "inventory_target": "0"},
	})

	// Coinbase defaults
	v.SetDefault("coinbase.auth_type", "")
	v.SetDefault("coinbase.sandbox", false)
	v.SetDefault("coinbase.base_url", "")
	v.SetDefault("coinbase.market_data_url", "")
	v.SetDefault("coinbase.user_data_url", "")
	v.SetDefault("coinbase.requests_per_second", 25)
	v.SetDefault("coinbase.burst", 5)

	// Book defaults
	v.SetDefault("book.depth", 50)
	v.SetDefault("book.gap_policy", string(orderbook.GapPolicyResync))
	v.SetDefault("book.stale_after", "30s")

	// Reconciliation defaults
	v.SetDefault("oms.inner_count", 1)
	v.SetDefault("oms.price_deadband", "0")
	v.SetDefault("oms.amend_price_tolerance", "0")
	v.SetDefault("oms.size_tolerance_pct", "0.05")
	v.SetDefault("oms.outer_buffer", "0")
	v.SetDefault("oms.latency_threshold", "2s")
	v.SetDefault("oms.latency_alpha", 0.2)
	v.SetDefault("oms.max_position", "1")
	v.SetDefault("oms.inventory_extreme_ratio", "0.9")
	v.SetDefault("oms.post_only", true)
	v.SetDefault("oms.concurrency", 8)
	v.SetDefault("oms.request_timeout", "5s")
	v.SetDefault("oms.shadow_ttl", "10s")
	v.SetDefault("oms.poll_grace", "2s")
	v.SetDefault("oms.costs.create", 1)
	v.SetDefault("oms.costs.amend", 1)
	v.SetDefault("oms.costs.cancel", 1)
	v.SetDefault("oms.costs.cancel_all", 1)
	v.SetDefault("oms.limits", map[string]any{
		string(ratelimit.ClassCreate):    map[string]any{"max": 30, "window": "1s"},
		string(ratelimit.ClassAmend):     map[string]any{"max": 30, "window": "1s"},
		string(ratelimit.ClassCancel):    map[string]any{"max": 30, "window": "1s"},
		string(ratelimit.ClassCancelAll): map[string]any{"max": 10, "window": "1s"},
		string(ratelimit.ClassQuery):     map[string]any{"max": 30, "window": "1s"},
	})

	// Stream defaults
	v.SetDefault("stream.poll_interval", "10s")
	v.SetDefault("stream.reconnect_initial", "500ms")
	v.SetDefault("stream.reconnect_max", "30s")
	v.SetDefault("stream.healthy_after", "1m")
	v.SetDefault("stream.resync_tries", 5)
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.read_timeout", "60s")

	// Trader defaults
	v.SetDefault("trader.cycle_interval", "1s")
	v.SetDefault("trader.stale_halt_after", "5s")
	v.SetDefault("trader.unknown_halt_count", 3)
	v.SetDefault("trader.unknown_window", "1m")

	// Strategy defaults
	v.SetDefault("strategy.levels", 3)
	v.SetDefault("strategy.inner_count", 1)
	v.SetDefault("strategy.spread_bps", 10)
	v.SetDefault("strategy.step_bps", 5)
	v.SetDefault("strategy.fair_band_bps", 0)
	v.SetDefault("strategy.size", "0.001")
	v.SetDefault("strategy.skew_bps_per_unit", "0")
	v.SetDefault("strategy.max_skew_bps", "0")
	v.SetDefault("strategy.max_position", "1")
	v.SetDefault("strategy.tick_size", "0.01")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.path", "./data/quoter.db")

	v.SetDefault("server.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.passphrase", secretNames.Passphrase)
	v.SetDefault("gcp.secret_names.api_key_name", secretNames.APIKeyName)
	v.SetDefault("gcp.secret_names.private_key", secretNames.PrivateKey)
}

func overrideFromEnv(config *Config) {
	// Coinbase credentials from environment
	if apiKey := os.Getenv("COINBASE_API_KEY"); apiKey != "" {
		config.Coinbase.APIKey = apiKey
	}
	if apiSecret := os.Getenv("COINBASE_API_SECRET"); apiSecret != "" {
		config.Coinbase.APISecret = apiSecret
	}
	if passphrase := os.Getenv("COINBASE_PASSPHRASE"); passphrase != "" {
		config.Coinbase.Passphrase = passphrase
	}
	if authType := os.Getenv("COINBASE_AUTH_TYPE"); authType != "" {
		config.Coinbase.AuthType = authType
	}
	if apiKeyName := os.Getenv("COINBASE_API_KEY_NAME"); apiKeyName != "" {
		config.Coinbase.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("COINBASE_PRIVATE_KEY"); privateKey != "" {
		config.Coinbase.PrivateKey = privateKey
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if credentials := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credentials != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = credentials
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	fillCredentials(ctx, secretManager, config)
	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// fillCredentials only sets credentials that are still empty.
func fillCredentials(ctx context.Context, src secrets.Source, config *Config) {
	cb := &config.Coinbase
	creds := secrets.Credentials{
		APIKey:     cb.APIKey,
		APISecret:  cb.APISecret,
		Passphrase: cb.Passphrase,
		APIKeyName: cb.APIKeyName,
		PrivateKey: cb.PrivateKey,
	}
	secrets.Fill(ctx, src, config.GCP.SecretNames, &creds)
	cb.APIKey = creds.APIKey
	cb.APISecret = creds.APISecret
	cb.Passphrase = creds.Passphrase
	cb.APIKeyName = creds.APIKeyName
	cb.PrivateKey = creds.PrivateKey
}

// Validate rejects settings the components would misbehave with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Products) == 0 {
		add("products: at least one product is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Products {
		if p.Symbol == "" {
			add("products[%d]: symbol is required", i)
			continue
		}
		if seen[p.Symbol] {
			add("products[%d]: duplicate symbol %s", i, p.Symbol)
		}
		seen[p.Symbol] = true
		if !p.TickSize.IsPositive() {
			add("products[%d]: tick_size must be positive", i)
		}
		if p.LotSize.IsNegative() {
			add("products[%d]: lot_size must not be negative", i)
		}
	}

	if _, err := orderbook.ParseGapPolicy(c.Book.GapPolicy); err != nil {
		add("book.gap_policy: %v", err)
	}
	if c.Book.Depth < 0 {
		add("book.depth must not be negative")
	}

	if c.OMS.InnerCount < 0 {
		add("oms.inner_count must not be negative")
	}
	if c.OMS.Concurrency <= 0 {
		add("oms.concurrency must be positive")
	}
	if c.OMS.RequestTimeout <= 0 {
		add("oms.request_timeout must be positive")
	}
	if c.OMS.PriceDeadband.IsNegative() || c.OMS.AmendPriceTolerance.IsNegative() || c.OMS.OuterBuffer.IsNegative() {
		add("oms: price_deadband, amend_price_tolerance and outer_buffer must not be negative")
	}
	if c.OMS.SizeTolerancePct.IsNegative() || c.OMS.SizeTolerancePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		add("oms.size_tolerance_pct must be in [0, 1)")
	}
	if !c.OMS.MaxPosition.IsPositive() {
		add("oms.max_position must be positive")
	}
	if r := c.OMS.InventoryExtremeRatio; !r.IsPositive() || r.GreaterThan(decimal.NewFromInt(1)) {
		add("oms.inventory_extreme_ratio must be in (0, 1]")
	}
	if a := c.OMS.LatencyAlpha; a <= 0 || a > 1 {
		add("oms.latency_alpha must be in (0, 1]")
	}
	if _, err := c.OMS.RateLimits(); err != nil {
		add("oms.limits: %v", err)
	}

	if c.Trader.CycleInterval <= 0 {
		add("trader.cycle_interval must be positive")
	}
	if c.Trader.UnknownHaltCount <= 0 {
		add("trader.unknown_halt_count must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		add("stream.poll_interval must be positive")
	}
	if _, err := strategy.NewLadder(c.Strategy); err != nil {
		add("strategy: %v", err)
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		add("storage.path is required when storage is enabled")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port out of range: %d", c.Server.Port)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// RateLimits converts Limits into tracker limits keyed by endpoint class.
func (c OMSConfig) RateLimits() (map[ratelimit.EndpointClass]ratelimit.Limit, error) {
	known := make(map[ratelimit.EndpointClass]bool, len(ratelimit.Classes))
	for _, class := range ratelimit.Classes {
		known[class] = true
	}
	out := make(map[ratelimit.EndpointClass]ratelimit.Limit, len(c.Limits))
	for name, l := range c.Limits {
		class := ratelimit.EndpointClass(name)
		if !known[class] {
			return nil, fmt.Errorf("unknown endpoint class %q", name)
		}
		if l.Max <= 0 || l.Window < 0 {
			return nil, fmt.Errorf("%s: max must be positive and window not negative", name)
		}
		out[class] = ratelimit.Limit{Max: l.Max, Window: l.Window}
	}
	return out, nil
}

// Product returns the settings of symbol.
func (c *Config) Product(symbol string) (ProductConfig, bool) {
	for _, p := range c.Products {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return ProductConfig{}, false
}

// Symbols lists the configured products in order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Products))
	for _, p := range c.Products {
		out = append(out, p.Symbol)
	}
	return out
}
