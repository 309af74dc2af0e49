package config

import (
	"bookflow/models"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strings"
	"time"
)

type Config struct {
	Bookflow   BookflowConfig              `yaml:"bookflow"`
	Logging    LoggingConfig               `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Channels   ChannelsConfig              `yaml:"channels"`
	Aggregator AggregatorConfig            `yaml:"aggregator"`
	Arbitrage  ArbitrageConfig             `yaml:"arbitrage"`
	Server     ServerConfig                `yaml:"server"`
	Store      StoreConfig                 `yaml:"store"`
	Tokens     []string                    `yaml:"tokens"`
	Exchanges  []models.ExchangeDescriptor `yaml:"exchanges"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch            bool   `yaml:"cloudwatch"`
	Region                string `yaml:"region"`
	Namespace             string `yaml:"namespace"`
	ReportIntervalSeconds int    `yaml:"report_interval_seconds"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
}

type AggregatorConfig struct {
	ThresholdUSDT float64       `yaml:"threshold_usdt"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	PairThrottle  time.Duration `yaml:"pair_throttle"`
}

type ArbitrageConfig struct {
	MinProfitPercent float64 `yaml:"min_profit_percent"`
	FeePercent       float64 `yaml:"fee_percent"`
	VolumeUSDT       float64 `yaml:"volume_usdt"`
}

type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, configEnvPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Aggregator: AggregatorConfig{
			ThresholdUSDT: models.DefaultNotionalThreshold,
			TickInterval:  time.Second,
			PairThrottle:  time.Second,
		},
		Arbitrage: ArbitrageConfig{
			MinProfitPercent: 1.0,
			FeePercent:       0.2,
			VolumeUSDT:       100.0,
		},
		Metrics: MetricsConfig{
			ReportIntervalSeconds: 30,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override store settings from environment variables if available
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Store.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = strings.TrimSpace(v)
	}

	if config.Logging.Format == "" {
		if IsProductionLike(getAppEnvironment()) {
			config.Logging.Format = "json"
		} else {
			config.Logging.Format = "text"
		}
	}

	for i, d := range config.Exchanges {
		config.Exchanges[i] = d.WithDefaults()
	}
	for i, t := range config.Tokens {
		config.Tokens[i] = strings.ToUpper(strings.TrimSpace(t))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}

	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Channels.UpdateBuffer <= 0 {
		return fmt.Errorf("channels.update_buffer must be greater than 0")
	}

	if cfg.Aggregator.ThresholdUSDT <= 0 {
		return fmt.Errorf("aggregator.threshold_usdt must be greater than 0")
	}
	if cfg.Aggregator.TickInterval <= 0 {
		return fmt.Errorf("aggregator.tick_interval must be greater than 0")
	}
	if cfg.Aggregator.PairThrottle <= 0 {
		return fmt.Errorf("aggregator.pair_throttle must be greater than 0")
	}

	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	switch cfg.Store.Driver {
	case "", "memory":
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver '%s' is not supported", cfg.Store.Driver)
	}

	seen := make(map[string]bool, len(cfg.Exchanges))
	for _, d := range cfg.Exchanges {
		if d.Name == "" {
			return fmt.Errorf("exchanges[].name is required")
		}
		if !IsValidExchangeName(d.Name) {
			return fmt.Errorf("exchange name '%s' is invalid", d.Name)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return fmt.Errorf("exchange '%s' is listed more than once", d.Name)
		}
		seen[key] = true
		if d.Kind != models.KindWebsocket && d.Kind != models.KindHTTP {
			return fmt.Errorf("exchange '%s' has unsupported kind '%s'", d.Name, d.Kind)
		}
	}

	for _, t := range cfg.Tokens {
		if t == "" {
			return fmt.Errorf("tokens[] entries must not be empty")
		}
	}

	return nil
}

var exchangeNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// IsValidExchangeName reports whether a name is acceptable as an exchange
// identifier: alphanumeric with dashes or underscores, at most 32 characters.
func IsValidExchangeName(name string) bool {
	if len(name) > 32 {
		return false
	}
	return exchangeNameRegexp.MatchString(name)
}

// DefaultTokens is the seed watch list applied when neither the store nor the
// configuration file provides one.
func DefaultTokens() []string {
	return []string{"BTC", "ETH", "XMR", "SOL", "DOGE"}
}

// DefaultExchanges is the seed venue list applied when neither the store nor
// the configuration file provides one.
func DefaultExchanges() []models.ExchangeDescriptor {
	defs := []models.ExchangeDescriptor{
		{Name: "MEXC", URL: "wss://wbs.mexc.com/raw/ws", Kind: models.KindWebsocket},
		{Name: "CoinEx", URL: "wss://ws.coinex.com/", Kind: models.KindWebsocket},
		{
			Name: "TradeOgre",
			URL:  "https://tradeogre.com/api/v1",
			Kind: models.KindHTTP,
			Options: models.ExchangeOptions{
				EndpointTemplate:       "$URL/orders/$TOKEN-USDT",
				PollingIntervalSeconds: 5,
			},
		},
	}
	for i, d := range defs {
		defs[i] = d.WithDefaults()
	}
	return defs
}
