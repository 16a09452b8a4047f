package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Validation errors returned (wrapped) by Load.
var (
	ErrMissingBrokerHost  = errors.New("mqtt broker host is required")
	ErrInvalidBrokerPort  = errors.New("mqtt broker port must be between 1 and 65535")
	ErrInvalidKeepAlive   = errors.New("mqtt keepalive must be between 10s and 1h")
	ErrInvalidReconnect   = errors.New("invalid reconnect policy")
	ErrIncompleteTLS      = errors.New("tls client certificate and key must be provided together")
	ErrMissingTopic       = errors.New("topic template is required")
	ErrInvalidBatchSize   = errors.New("forward batch size must be greater than 0")
	ErrInvalidInterval    = errors.New("interval must be greater than 0")
	ErrInvalidRate        = errors.New("publish rate must be greater than 0")
	ErrInvalidFormat      = errors.New("publish format must be json or msgpack")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogEncoding = errors.New("invalid log encoding")
	ErrMissingNATSURL     = errors.New("nats url is required when nats is enabled")
	ErrMissingInfluxDB    = errors.New("influxdb url, org and bucket are required when influxdb is enabled")
)

// AutoClientID asks Load to generate a client identifier.
const AutoClientID = "auto"

type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Topics   TopicsConfig   `yaml:"topics"`
	Device   DeviceConfig   `yaml:"device"`
	Redis    RedisConfig    `yaml:"redis"`
	Forward  ForwardConfig  `yaml:"forward"`
	Publish  PublishConfig  `yaml:"publish"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	NATS     NATSConfig     `yaml:"nats"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`

	generatedClientID bool
}

// MQTTConfig is the cloud broker connection. A copy of it is the immutable
// snapshot used for one connection attempt.
type MQTTConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	ClientID       string          `yaml:"clientId"`
	KeepAlive      time.Duration   `yaml:"keepalive"`
	ConnectTimeout time.Duration   `yaml:"connectTimeout"`
	TLS            TLSConfig       `yaml:"tls"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Status         StatusConfig    `yaml:"status"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CACert             string `yaml:"caCert"`
	ClientCert         string `yaml:"clientCert"`
	ClientKey          string `yaml:"clientKey"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Delay       time.Duration `yaml:"delay"`
	// SeriousCodes lists the disconnect reason codes that always trigger a
	// reconnect regardless of the network-quality cooldown.
	SeriousCodes []int `yaml:"seriousCodes"`
}

type StatusConfig struct {
	WillMessage   bool `yaml:"willMessage"`
	OnlineMessage bool `yaml:"onlineMessage"`
}

// TopicsConfig holds topic templates. {productSN} and {deviceSN} are
// substituted by the identity provider.
type TopicsConfig struct {
	Status        string `yaml:"status"`
	Property      string `yaml:"property"`
	Read          string `yaml:"read"`
	ReadReply     string `yaml:"readReply"`
	Write         string `yaml:"write"`
	WriteReply    string `yaml:"writeReply"`
	CallData      string `yaml:"callData"`
	CallDataReply string `yaml:"callDataReply"`
	Alarm         string `yaml:"alarm"`
}

type DeviceConfig struct {
	ProductSN  string `yaml:"productSN"`
	DeviceSN   string `yaml:"deviceSN"` // "auto" reads the hardware serial
	DeviceType string `yaml:"deviceType"`
	IsGateway  bool   `yaml:"isGateway"`
}

type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type ForwardConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Tick      time.Duration `yaml:"tick"`
	BatchSize int           `yaml:"batchSize"`
	// GroupByChannel splits messages per channel as well as per source and
	// data type.
	GroupByChannel bool                `yaml:"groupByChannel"`
	Patterns       []string            `yaml:"patterns"`
	Filters        FilterConfig        `yaml:"filters"`
	SystemMetrics  SystemMetricsConfig `yaml:"systemMetrics"`
}

type FilterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Exclude []string `yaml:"exclude"`
}

type SystemMetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type PublishConfig struct {
	Rate               float64       `yaml:"rate"` // messages per second
	DrainInterval      time.Duration `yaml:"drainInterval"`
	QueueWarnThreshold int           `yaml:"queueWarnThreshold"`
	Format             string        `yaml:"format"` // json or msgpack
	FlushAttempts      int           `yaml:"flushAttempts"`
	FlushWait          time.Duration `yaml:"flushWait"`
}

type LogConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `yaml:"encoding"`   // json or console
	MaxSize    int    `yaml:"maxSize"`    // megabytes, file output only
	MaxAge     int    `yaml:"maxAge"`     // days
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

type NATSConfig struct {
	Enabled      bool      `yaml:"enabled"`
	URLs         []string  `yaml:"urls"`
	Name         string    `yaml:"name"`
	Username     string    `yaml:"username"`
	Password     string    `yaml:"password"`
	AlarmSubject string    `yaml:"alarmSubject"`
	TLS          TLSConfig `yaml:"tls"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	Measurement   string `yaml:"measurement"`
	BatchSize     int    `yaml:"batchSize"`
	FlushInterval int    `yaml:"flushInterval"` // seconds
}

// Default returns a configuration with every default applied. Load decodes
// the file on top of it so omitted keys keep their defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       AutoClientID,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:      true,
				MaxAttempts:  10,
				Delay:        5 * time.Second,
				SeriousCodes: []int{1, 2, 4, 5},
			},
			Status: StatusConfig{
				WillMessage:   true,
				OnlineMessage: true,
			},
		},
		Topics: TopicsConfig{
			Status:        "status/{productSN}/{deviceSN}",
			Property:      "property/{productSN}/{deviceSN}",
			Read:          "read/{productSN}/{deviceSN}",
			ReadReply:     "read_reply/{productSN}/{deviceSN}",
			Write:         "write/{productSN}/{deviceSN}",
			WriteReply:    "write_reply/{productSN}/{deviceSN}",
			CallData:      "call_data/{productSN}/{deviceSN}",
			CallDataReply: "call_data_reply/{productSN}/{deviceSN}",
			Alarm:         "alarm/{productSN}/{deviceSN}",
		},
		Device: DeviceConfig{
			ProductSN:  "edge_gateway",
			DeviceSN:   "auto",
			DeviceType: "gateway",
			IsGateway:  true,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Forward: ForwardConfig{
			Interval:  5 * time.Second,
			Tick:      time.Second,
			BatchSize: 50,
			Patterns:  []string{"comsrv:*", "modsrv:*"},
			Filters:   FilterConfig{Enabled: true},
			SystemMetrics: SystemMetricsConfig{
				Enabled:  true,
				Interval: 60 * time.Second,
			},
		},
		Publish: PublishConfig{
			Rate:               10,
			DrainInterval:      100 * time.Millisecond,
			QueueWarnThreshold: 1000,
			Format:             "json",
			FlushAttempts:      3,
			FlushWait:          50 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:      "info",
			OutputPath: "stdout",
			Encoding:   "json",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Address:        ":2112",
			Path:           "/metrics",
			UpdateInterval: 15 * time.Second,
		},
		NATS: NATSConfig{
			Name:         "mqtt-edge-gateway",
			AlarmSubject: "gateway.alarms",
		},
		InfluxDB: InfluxDBConfig{
			Measurement:   "telemetry",
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyDefaults fills values that were explicitly zeroed in the file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.MQTT.ClientID == "" || c.MQTT.ClientID == AutoClientID {
		c.MQTT.ClientID = "gateway-" + uuid.NewString()
		c.generatedClientID = true
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = def.MQTT.ConnectTimeout
	}
	if c.Forward.Tick <= 0 {
		c.Forward.Tick = def.Forward.Tick
	}
	if c.Forward.SystemMetrics.Interval <= 0 {
		c.Forward.SystemMetrics.Interval = def.Forward.SystemMetrics.Interval
	}
	if c.Publish.DrainInterval <= 0 {
		c.Publish.DrainInterval = def.Publish.DrainInterval
	}
	if c.Publish.FlushAttempts <= 0 {
		c.Publish.FlushAttempts = def.Publish.FlushAttempts
	}
	if c.Publish.FlushWait <= 0 {
		c.Publish.FlushWait = def.Publish.FlushWait
	}
	if c.Publish.Format == "" {
		c.Publish.Format = def.Publish.Format
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = def.Logging.OutputPath
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = def.Logging.Encoding
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = def.Metrics.Address
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Metrics.UpdateInterval <= 0 {
		c.Metrics.UpdateInterval = def.Metrics.UpdateInterval
	}
	if c.NATS.AlarmSubject == "" {
		c.NATS.AlarmSubject = def.NATS.AlarmSubject
	}
	if c.InfluxDB.Measurement == "" {
		c.InfluxDB.Measurement = def.InfluxDB.Measurement
	}
}

// resolvePaths makes relative certificate paths relative to the config directory.
func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for _, t := range []*TLSConfig{&c.MQTT.TLS, &c.NATS.TLS} {
		t.CACert = resolve(t.CACert)
		t.ClientCert = resolve(t.ClientCert)
		t.ClientKey = resolve(t.ClientKey)
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.MQTT.Host) == "" {
		return ErrMissingBrokerHost
	}
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidBrokerPort, cfg.MQTT.Port)
	}
	if cfg.MQTT.KeepAlive < 10*time.Second || cfg.MQTT.KeepAlive > time.Hour {
		return fmt.Errorf("%w: %s", ErrInvalidKeepAlive, cfg.MQTT.KeepAlive)
	}

	if cfg.MQTT.Reconnect.Enabled {
		if cfg.MQTT.Reconnect.MaxAttempts < 1 || cfg.MQTT.Reconnect.MaxAttempts > 100 {
			return fmt.Errorf("%w: maxAttempts must be between 1 and 100", ErrInvalidReconnect)
		}
		if cfg.MQTT.Reconnect.Delay < time.Second || cfg.MQTT.Reconnect.Delay > 300*time.Second {
			return fmt.Errorf("%w: delay must be between 1s and 300s", ErrInvalidReconnect)
		}
	}

	if err := validateTLS(cfg.MQTT.TLS); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	topics := map[string]string{
		"status":        cfg.Topics.Status,
		"property":      cfg.Topics.Property,
		"read":          cfg.Topics.Read,
		"readReply":     cfg.Topics.ReadReply,
		"write":         cfg.Topics.Write,
		"writeReply":    cfg.Topics.WriteReply,
		"callData":      cfg.Topics.CallData,
		"callDataReply": cfg.Topics.CallDataReply,
		"alarm":         cfg.Topics.Alarm,
	}
	for name, tmpl := range topics {
		if strings.TrimSpace(tmpl) == "" {
			return fmt.Errorf("%w: %s", ErrMissingTopic, name)
		}
	}

	if cfg.Forward.BatchSize < 1 {
		return ErrInvalidBatchSize
	}
	if cfg.Forward.Interval <= 0 {
		return fmt.Errorf("forward: %w", ErrInvalidInterval)
	}

	if cfg.Publish.Rate <= 0 {
		return ErrInvalidRate
	}
	switch cfg.Publish.Format {
	case "json", "msgpack":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFormat, cfg.Publish.Format)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLogLevel, cfg.Logging.Level)
	}
	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLogEncoding, cfg.Logging.Encoding)
	}

	if cfg.NATS.Enabled {
		if len(cfg.NATS.URLs) == 0 {
			return ErrMissingNATSURL
		}
		if err := validateTLS(cfg.NATS.TLS); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}

	if cfg.InfluxDB.Enabled {
		if cfg.InfluxDB.URL == "" || cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return ErrMissingInfluxDB
		}
	}

	return nil
}

func validateTLS(t TLSConfig) error {
	if !t.Enabled {
		return nil
	}
	if (t.ClientCert == "") != (t.ClientKey == "") {
		return ErrIncompleteTLS
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(logLevel string, batchSize int, forwardInterval time.Duration, rate float64, metricsAddr string) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if batchSize > 0 {
		c.Forward.BatchSize = batchSize
	}
	if forwardInterval > 0 {
		c.Forward.Interval = forwardInterval
	}
	if rate > 0 {
		c.Publish.Rate = rate
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
		c.Metrics.Enabled = true
	}
}

// BrokerAddress returns host:port of the cloud broker.
func (m MQTTConfig) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// BrokerURL returns the paho server URL, ssl:// when TLS is enabled.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, m.BrokerAddress())
}
