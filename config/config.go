package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Timescale TimescaleConfig `mapstructure:"timescale"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Live      LiveConfig      `mapstructure:"live"`
	Seed      SeedConfig      `mapstructure:"seed"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// TimescaleConfig holds Timescale specific configuration
type TimescaleConfig struct {
	TableName string `mapstructure:"table_name"`
	// Hypertable allows converting measurements when the timescaledb extension is installed.
	Hypertable bool `mapstructure:"hypertable"`
}

// MQTTConfig holds MQTT connection configuration
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig holds JWT signing configuration
type AuthConfig struct {
	SecretKey                string `mapstructure:"secret_key"`
	AccessTokenExpireMinutes int    `mapstructure:"access_token_expire_minutes"`
}

// RedisConfig holds the latest-reading cache configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MinIOConfig holds the export object store configuration
type MinIOConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LiveConfig holds live telemetry settings shared by the hub and the watcher
type LiveConfig struct {
	WindowSize   int           `mapstructure:"window_size"`
	WindowAge    time.Duration `mapstructure:"window_age"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

// SeedConfig controls the data created on first start
type SeedConfig struct {
	SuperuserUsername string `mapstructure:"superuser_username"`
	SuperuserPassword string `mapstructure:"superuser_password"`
	SensorTypes       bool   `mapstructure:"sensor_types"`
}

// LogConfig controls zerolog output
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// LoadConfig loads configuration from file and/or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Defaults first (lowest precedence)
	setDefaults(v, GetDefaultConfig())

	// Config file (medium precedence)
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Environment variables (highest precedence)
	// Example: database.host -> DATABASE_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	// Keep backward compatibility with MQTT_BROKER_URL
	_ = v.BindEnv("mqtt.broker", "MQTT_BROKER", "MQTT_BROKER_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Info().Msg("No config file found, using environment variables and defaults")
		} else {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("timescale.table_name", d.Timescale.TableName)
	v.SetDefault("timescale.hypertable", d.Timescale.Hypertable)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)

	v.SetDefault("auth.secret_key", d.Auth.SecretKey)
	v.SetDefault("auth.access_token_expire_minutes", d.Auth.AccessTokenExpireMinutes)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("minio.enabled", d.MinIO.Enabled)
	v.SetDefault("minio.endpoint", d.MinIO.Endpoint)
	v.SetDefault("minio.access_key", d.MinIO.AccessKey)
	v.SetDefault("minio.secret_key", d.MinIO.SecretKey)
	v.SetDefault("minio.bucket", d.MinIO.Bucket)
	v.SetDefault("minio.use_ssl", d.MinIO.UseSSL)

	v.SetDefault("live.window_size", d.Live.WindowSize)
	v.SetDefault("live.window_age", d.Live.WindowAge)
	v.SetDefault("live.poll_interval", d.Live.PollInterval)
	v.SetDefault("live.send_buffer", d.Live.SendBuffer)

	v.SetDefault("seed.superuser_username", d.Seed.SuperuserUsername)
	v.SetDefault("seed.superuser_password", d.Seed.SuperuserPassword)
	v.SetDefault("seed.sensor_types", d.Seed.SensorTypes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// GetDefaultConfig returns default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "iot_data",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Timescale: TimescaleConfig{
			TableName:  "measurements",
			Hypertable: true,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "localhost",
			Port:     1883,
			ClientID: "iot-hub-ingest",
			Topic:    "devices/+/measurements",
		},
		Auth: AuthConfig{
			SecretKey:                "change-me",
			AccessTokenExpireMinutes: 60 * 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
			TTL:     24 * time.Hour,
		},
		MinIO: MinIOConfig{
			Enabled:  false,
			Endpoint: "localhost:9000",
			Bucket:   "measurement-exports",
		},
		Live: LiveConfig{
			WindowSize:   100,
			WindowAge:    time.Hour,
			PollInterval: 5 * time.Second,
			SendBuffer:   64,
		},
		Seed: SeedConfig{
			SuperuserUsername: "admin@iot.local",
			SuperuserPassword: "admin",
			SensorTypes:       true,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.SecretKey == "" {
		return errors.New("auth.secret_key must not be empty")
	}
	if c.Live.WindowSize <= 0 {
		return fmt.Errorf("live.window_size must be positive, got %d", c.Live.WindowSize)
	}
	return nil
}

// AccessTokenTTL returns the lifetime of issued access tokens
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Auth.AccessTokenExpireMinutes) * time.Minute
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	log.Info().
		Str("host", c.Database.Host).
		Int("port", c.Database.Port).
		Str("user", c.Database.User).
		Str("dbname", c.Database.DBName).
		Str("sslmode", c.Database.SSLMode).
		Msg("Connecting to database")
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
		c.Database.MaxConns,
	)
}

// GetRedisAddr returns host:port of the redis server
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	brokerURL := c.MQTT.Broker

	// If the URL already has a protocol, use it as is
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://"} {
		if strings.HasPrefix(brokerURL, scheme) {
			// If there's no port in the URL, add the default port
			if !strings.Contains(brokerURL[len(scheme):], ":") {
				brokerURL = fmt.Sprintf("%s:%d", brokerURL, c.MQTT.Port)
			}
			return brokerURL
		}
	}

	// Handle http:// and https:// protocols by converting to mqtt protocols
	if host, ok := strings.CutPrefix(brokerURL, "http://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("tcp://%s", host)
	}

	if host, ok := strings.CutPrefix(brokerURL, "https://"); ok {
		if !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, c.MQTT.Port)
		}
		return fmt.Sprintf("ssl://%s", host)
	}

	// If no protocol is specified, use tcp:// with the configured port
	log.Debug().Str("broker", brokerURL).Msg("No protocol specified in broker URL, defaulting to tcp://")
	return fmt.Sprintf("tcp://%s:%d", brokerURL, c.MQTT.Port)
}
