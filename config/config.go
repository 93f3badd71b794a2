package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Kite        KiteConfig         `mapstructure:"kite"`
	Hub         HubConfig          `mapstructure:"hub"`
	Gateway     GatewayConfig      `mapstructure:"gateway"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Recorder    RecorderConfig     `mapstructure:"recorder"`
	Log         LogConfig          `mapstructure:"log"`
	Postgres    PostgresConfig     `mapstructure:"postgres"`
	Redis       RedisConfig        `mapstructure:"redis"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KiteConfig configures the upstream ticker connection.
type KiteConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	Mode             string        `mapstructure:"mode"` // "ltp", "quote" or "full"
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"` // 0 disables the read deadline

	// Startup credentials. Either set directly or read from SSM when
	// CredentialsSource is "ssm".
	APIKey            string `mapstructure:"api_key"`
	AccessToken       string `mapstructure:"access_token"`
	CredentialsSource string `mapstructure:"credentials_source"` // "config" or "ssm"
	SSMAPIKeyParam    string `mapstructure:"ssm_api_key_param"`
	SSMTokenParam     string `mapstructure:"ssm_access_token_param"`
}

type HubConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// GatewayConfig controls each downstream browser socket.
type GatewayConfig struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type InstrumentConfig struct {
	Token  int32  `mapstructure:"token"`
	Symbol string `mapstructure:"symbol"`
	Name   string `mapstructure:"name"`
	Icon   string `mapstructure:"icon"`
}

type RecorderConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Channel   string        `mapstructure:"channel"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// DefaultInstruments are the indices tracked when no instruments are configured.
var DefaultInstruments = []InstrumentConfig{
	{Token: 256265, Symbol: "NIFTY 50", Name: "NSE Nifty Fifty", Icon: "📊"},
	{Token: 260105, Symbol: "BANK NIFTY", Name: "Nifty Bank Index", Icon: "🏦"},
	{Token: 259849, Symbol: "NIFTY IT", Name: "Nifty IT Index", Icon: "💻"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("kite.ws_url", "wss://ws.kite.trade")
	v.SetDefault("kite.mode", "quote")
	v.SetDefault("kite.reconnect_delay", 5*time.Second)
	v.SetDefault("kite.handshake_timeout", 10*time.Second)
	v.SetDefault("kite.write_timeout", 5*time.Second)
	v.SetDefault("kite.read_timeout", 10*time.Second)
	v.SetDefault("kite.api_key", "")
	v.SetDefault("kite.access_token", "")
	v.SetDefault("kite.credentials_source", "config")
	v.SetDefault("kite.ssm_api_key_param", "KITE_API_KEY")
	v.SetDefault("kite.ssm_access_token_param", "KITE_ACCESS_TOKEN")

	v.SetDefault("hub.sweep_interval", 30*time.Second)

	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.write_wait", 5*time.Second)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.ping_period", 50*time.Second)

	v.SetDefault("recorder.buffer", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "tickrelay")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("postgres.retention", 7*24*time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tick:")
	v.SetDefault("redis.channel", "ticks")
	v.SetDefault("redis.ttl", 24*time.Hour)
}

// Load loads application configuration using Viper.
// It reads config.yaml when present and overrides with environment variables
// (a .env file in the working directory is loaded into the environment first).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	if dir := os.Getenv("TICKRELAY_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if ex, err := os.Executable(); err == nil {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Support environment variables with dot notation (e.g., KITE_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = append([]InstrumentConfig(nil), DefaultInstruments...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Kite.WSURL == "" {
		return errors.New("kite.ws_url is required")
	}
	switch c.Kite.Mode {
	case "ltp", "quote", "full":
	default:
		return fmt.Errorf("kite.mode %q: must be ltp, quote or full", c.Kite.Mode)
	}
	if c.Kite.ReconnectDelay <= 0 {
		return errors.New("kite.reconnect_delay must be positive")
	}
	switch c.Kite.CredentialsSource {
	case "config", "ssm":
	default:
		return fmt.Errorf("kite.credentials_source %q: must be config or ssm", c.Kite.CredentialsSource)
	}
	if c.Gateway.SendBuffer <= 0 {
		return errors.New("gateway.send_buffer must be positive")
	}
	if c.Recorder.Buffer <= 0 {
		return errors.New("recorder.buffer must be positive")
	}
	return nil
}
