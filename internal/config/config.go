package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Scrape    ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	History   HistoryConfig    `yaml:"history" mapstructure:"history"`
	Health    HealthConfig     `yaml:"health" mapstructure:"health"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Retailers []RetailerConfig `yaml:"retailers" mapstructure:"retailers"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScrapeConfig configures politeness, retries and catastrophic-failure
// detection for every retailer.
type ScrapeConfig struct {
	MinDelayMs            int     `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	JitterMs              int     `yaml:"jitter_ms" mapstructure:"jitter_ms"`
	MaxRetries            int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxBackoffMs          int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	RateLimitMultiplier   float64 `yaml:"rate_limit_multiplier" mapstructure:"rate_limit_multiplier"`
	BackoffJitter         float64 `yaml:"backoff_jitter" mapstructure:"backoff_jitter"`
	RequestTimeoutSecs    int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	UserAgent             string  `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRPS                float64 `yaml:"max_rps" mapstructure:"max_rps"`
	CatastrophicThreshold int     `yaml:"catastrophic_threshold" mapstructure:"catastrophic_threshold"`
	RunTimeoutMins        int     `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
}

// HistoryConfig configures price-change classification.
type HistoryConfig struct {
	RemovalMissThreshold int `yaml:"removal_miss_threshold" mapstructure:"removal_miss_threshold"`
}

// HealthConfig configures run health scoring and alerting.
type HealthConfig struct {
	WindowHours         int     `yaml:"window_hours" mapstructure:"window_hours"`
	SuccessRateFloor    float64 `yaml:"success_rate_floor" mapstructure:"success_rate_floor"`
	ParseErrorThreshold float64 `yaml:"parse_error_threshold" mapstructure:"parse_error_threshold"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RetailerConfig defines one storefront. Kind selects the scraper variant.
// Fields holds per-field extraction rules whose meaning depends on Kind:
// CSS selectors for microdata, regular expressions for pattern, gjson paths
// for jsonapi.
type RetailerConfig struct {
	Name     string            `yaml:"name" mapstructure:"name"`
	Kind     string            `yaml:"kind" mapstructure:"kind"`
	BaseURL  string            `yaml:"base_url" mapstructure:"base_url"`
	Currency string            `yaml:"currency" mapstructure:"currency"`
	Listing  ListingConfig     `yaml:"listing" mapstructure:"listing"`
	Fields   map[string]string `yaml:"fields" mapstructure:"fields"`

	// MinDelayMs and JitterMs override the scrape-wide politeness delay.
	MinDelayMs *int `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	JitterMs   *int `yaml:"jitter_ms" mapstructure:"jitter_ms"`
}

// ListingConfig controls how product URLs are enumerated.
type ListingConfig struct {
	Strategy string   `yaml:"strategy" mapstructure:"strategy"`
	URLs     []string `yaml:"urls" mapstructure:"urls"`
	Include  string   `yaml:"include" mapstructure:"include"`
	Exclude  []string `yaml:"exclude" mapstructure:"exclude"`
	Path     string   `yaml:"path" mapstructure:"path"`
}

// Retailer kinds.
const (
	KindJSONLD    = "jsonld"
	KindMicrodata = "microdata"
	KindPattern   = "pattern"
	KindJSONAPI   = "jsonapi"
)

// Listing strategies.
const (
	ListingSitemap = "sitemap"
	ListingLinks   = "links"
	ListingJSON    = "json"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricewatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scrape.min_delay_ms", 5000)
	v.SetDefault("scrape.jitter_ms", 10000)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.max_backoff_ms", 120000)
	v.SetDefault("scrape.backoff_multiplier", 2.0)
	v.SetDefault("scrape.rate_limit_multiplier", 3.0)
	v.SetDefault("scrape.backoff_jitter", 0.2)
	v.SetDefault("scrape.request_timeout_secs", 30)
	v.SetDefault("scrape.user_agent", "pricewatch/1.0 (+https://github.com/sells-group/pricewatch)")
	v.SetDefault("scrape.max_rps", 2.0)
	v.SetDefault("scrape.catastrophic_threshold", 3)
	v.SetDefault("scrape.run_timeout_mins", 240)
	v.SetDefault("history.removal_miss_threshold", 3)
	v.SetDefault("health.window_hours", 24)
	v.SetDefault("health.success_rate_floor", 0.90)
	v.SetDefault("health.parse_error_threshold", 0.10)
	v.SetDefault("health.check_interval_secs", 900)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings needed by a command mode: "run", "report",
// "serve" or "migrate". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "report":
		errs = append(errs, c.validateHealth()...)
	case "run":
		errs = append(errs, c.validateScrape()...)
		errs = append(errs, c.validateRetailers()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateScrape()...)
		errs = append(errs, c.validateHealth()...)
		errs = append(errs, c.validateRetailers()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateScrape() []string {
	var errs []string
	if c.Scrape.MinDelayMs < 0 || c.Scrape.JitterMs < 0 {
		errs = append(errs, "scrape delays must be >= 0")
	}
	if c.Scrape.MaxRetries < 0 {
		errs = append(errs, "scrape.max_retries must be >= 0")
	}
	if c.History.RemovalMissThreshold < 1 {
		errs = append(errs, "history.removal_miss_threshold must be >= 1")
	}
	return errs
}

func (c *Config) validateHealth() []string {
	var errs []string
	if c.Health.SuccessRateFloor < 0 || c.Health.SuccessRateFloor > 1 {
		errs = append(errs, "health.success_rate_floor must be between 0 and 1")
	}
	if c.Health.ParseErrorThreshold < 0 || c.Health.ParseErrorThreshold > 1 {
		errs = append(errs, "health.parse_error_threshold must be between 0 and 1")
	}
	if c.Health.WindowHours <= 0 {
		errs = append(errs, "health.window_hours must be > 0")
	}
	return errs
}

func (c *Config) validateRetailers() []string {
	var errs []string
	if len(c.Retailers) == 0 {
		errs = append(errs, "at least one retailer is required")
	}
	seen := make(map[string]bool, len(c.Retailers))
	for i, r := range c.Retailers {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("retailers[%d]: %s", i, err))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("retailers[%d]: duplicate retailer %q", i, r.Name))
		}
		seen[r.Name] = true
	}
	return errs
}

func (r RetailerConfig) validate() error {
	if r.Name == "" {
		return eris.New("name is required")
	}
	switch r.Kind {
	case KindJSONLD, KindMicrodata, KindPattern, KindJSONAPI:
	default:
		return eris.Errorf("retailer %s: unknown kind %q", r.Name, r.Kind)
	}
	switch r.Listing.Strategy {
	case ListingSitemap, ListingLinks:
	case ListingJSON:
		if r.Listing.Path == "" {
			return eris.Errorf("retailer %s: json listing requires a path", r.Name)
		}
	default:
		return eris.Errorf("retailer %s: unknown listing strategy %q", r.Name, r.Listing.Strategy)
	}
	if len(r.Listing.URLs) == 0 {
		return eris.Errorf("retailer %s: at least one listing url is required", r.Name)
	}
	if r.Listing.Include != "" {
		if _, err := regexp.Compile(r.Listing.Include); err != nil {
			return eris.Wrapf(err, "retailer %s: listing include", r.Name)
		}
	}
	if r.Kind == KindPattern {
		for _, field := range []string{"sku", "price"} {
			if r.Fields[field] == "" {
				return eris.Errorf("retailer %s: pattern kind requires a %s pattern", r.Name, field)
			}
		}
	}
	if (r.MinDelayMs != nil && *r.MinDelayMs < 0) || (r.JitterMs != nil && *r.JitterMs < 0) {
		return eris.Errorf("retailer %s: delays must be >= 0", r.Name)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
