package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	QuickstartOrg = "quickstart"
	DefaultDomain = "internetofthings.ibmcloud.com"

	AuthMethodToken = "token"

	TransportTCP = "tcp"
	TransportSSL = "ssl"
	TransportWS  = "ws"
	TransportWSS = "wss"
)

type IdentityConfig struct {
	OrgID    string `yaml:"orgId"`
	TypeID   string `yaml:"typeId"`
	DeviceID string `yaml:"deviceId"`
	Gateway  bool   `yaml:"gateway"`
}

type AuthConfig struct {
	Method string `yaml:"method"`
	Token  string `yaml:"token"`
}

type MQTTConfig struct {
	Domain       string        `yaml:"domain"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Transport    string        `yaml:"transport"`
	KeepAlive    time.Duration `yaml:"keepAlive"`
	CleanSession bool          `yaml:"cleanSession"`
	ClientID     string        `yaml:"clientId"`
}

type TLSConfig struct {
	CACert     string `yaml:"caFile"`
	ClientCert string `yaml:"certFile"`
	ClientKey  string `yaml:"keyFile"`
	ServerName string `yaml:"serverName"`
	SkipVerify bool   `yaml:"skipVerify"`
}

type DMConfig struct {
	ResponseTimeout      time.Duration `yaml:"responseTimeout"`
	MailboxSize          int           `yaml:"mailboxSize"`
	RenewalRetryInterval time.Duration `yaml:"renewalRetryInterval"`
	MaxRenewalFailures   int           `yaml:"maxRenewalFailures"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Auth     AuthConfig     `yaml:"auth"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	TLS      TLSConfig      `yaml:"tls"`
	DM       DMConfig       `yaml:"dm"`
	Log      LogConfig      `yaml:"log"`
}

func NewConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Method: AuthMethodToken,
		},
		MQTT: MQTTConfig{
			Domain:       DefaultDomain,
			Transport:    TransportSSL,
			KeepAlive:    60 * time.Second,
			CleanSession: true,
		},
		DM: DefaultDMConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

func DefaultDMConfig() DMConfig {
	return DMConfig{
		ResponseTimeout:      120 * time.Second,
		MailboxSize:          100,
		RenewalRetryInterval: 10 * time.Second,
		MaxRenewalFailures:   5,
	}
}

// Shutdown returns the drain ceiling used by Close, which defaults to the
// response timeout.
func (d DMConfig) Shutdown() time.Duration {
	if d.ShutdownTimeout > 0 {
		return d.ShutdownTimeout
	}
	return d.ResponseTimeout
}

// LoadFromFile overlays the YAML document at path onto c.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("WIOTP_IDENTITY_ORGID"); val != "" {
		c.Identity.OrgID = val
	}
	if val := os.Getenv("WIOTP_IDENTITY_TYPEID"); val != "" {
		c.Identity.TypeID = val
	}
	if val := os.Getenv("WIOTP_IDENTITY_DEVICEID"); val != "" {
		c.Identity.DeviceID = val
	}
	if val := os.Getenv("WIOTP_IDENTITY_GATEWAY"); val != "" {
		gateway, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_IDENTITY_GATEWAY: %w", err)
		}
		c.Identity.Gateway = gateway
	}

	if val := os.Getenv("WIOTP_AUTH_METHOD"); val != "" {
		c.Auth.Method = val
	}
	if val := os.Getenv("WIOTP_AUTH_TOKEN"); val != "" {
		c.Auth.Token = val
	}

	if val := os.Getenv("WIOTP_OPTIONS_DOMAIN"); val != "" {
		c.MQTT.Domain = val
	}
	if val := os.Getenv("WIOTP_OPTIONS_LOGLEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_HOST"); val != "" {
		c.MQTT.Host = val
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_MQTT_PORT: %w", err)
		}
		c.MQTT.Port = port
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_TRANSPORT"); val != "" {
		c.MQTT.Transport = strings.ToLower(val)
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_KEEPALIVE"); val != "" {
		keepAlive, err := parseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_MQTT_KEEPALIVE: %w", err)
		}
		c.MQTT.KeepAlive = keepAlive
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_CLEANSTART"); val != "" {
		clean, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_MQTT_CLEANSTART: %w", err)
		}
		c.MQTT.CleanSession = clean
	}

	if val := os.Getenv("WIOTP_OPTIONS_MQTT_CAFILE"); val != "" {
		c.TLS.CACert = val
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_SERVERNAME"); val != "" {
		c.TLS.ServerName = val
	}
	if val := os.Getenv("WIOTP_OPTIONS_MQTT_SKIPVERIFY"); val != "" {
		skip, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_MQTT_SKIPVERIFY: %w", err)
		}
		c.TLS.SkipVerify = skip
	}

	if val := os.Getenv("WIOTP_OPTIONS_DM_RESPONSETIMEOUT"); val != "" {
		timeout, err := parseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_DM_RESPONSETIMEOUT: %w", err)
		}
		c.DM.ResponseTimeout = timeout
	}
	if val := os.Getenv("WIOTP_OPTIONS_DM_MAILBOXSIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WIOTP_OPTIONS_DM_MAILBOXSIZE: %w", err)
		}
		c.DM.MailboxSize = size
	}

	return nil
}

// parseDuration accepts a Go duration ("90s") or a plain number of seconds.
func parseDuration(val string) (time.Duration, error) {
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(val)
}

func (c *Config) Validate() error {
	if c.Identity.OrgID == "" {
		return fmt.Errorf("organization id is required")
	}
	if c.Identity.TypeID == "" {
		return fmt.Errorf("type id is required")
	}
	if c.Identity.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}

	if c.IsQuickstart() {
		if c.Auth.Token != "" {
			return fmt.Errorf("quickstart does not support token authentication")
		}
		if c.UseTLS() {
			return fmt.Errorf("quickstart does not support TLS, use transport tcp or ws")
		}
		if c.Identity.Gateway {
			return fmt.Errorf("quickstart does not support gateways")
		}
	} else {
		if c.Auth.Method != AuthMethodToken {
			return fmt.Errorf("unsupported auth method %q", c.Auth.Method)
		}
		if c.Auth.Token == "" {
			return fmt.Errorf("auth token is required")
		}
	}

	switch c.MQTT.Transport {
	case TransportTCP, TransportSSL, TransportWS, TransportWSS:
	default:
		return fmt.Errorf("unsupported MQTT transport %q", c.MQTT.Transport)
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.DM.ResponseTimeout <= 0 {
		return fmt.Errorf("dm response timeout must be positive")
	}
	if c.DM.MailboxSize <= 0 {
		return fmt.Errorf("dm mailbox size must be positive")
	}
	if c.DM.RenewalRetryInterval <= 0 {
		return fmt.Errorf("dm renewal retry interval must be positive")
	}
	if c.DM.MaxRenewalFailures <= 0 {
		return fmt.Errorf("dm max renewal failures must be positive")
	}
	return nil
}

func (c *Config) IsQuickstart() bool {
	return c.Identity.OrgID == QuickstartOrg
}

func (c *Config) UseTLS() bool {
	return c.MQTT.Transport == TransportSSL || c.MQTT.Transport == TransportWSS
}

// BrokerHost returns the configured host or {org}.messaging.{domain}.
func (c *Config) BrokerHost() string {
	if c.MQTT.Host != "" {
		return c.MQTT.Host
	}
	return fmt.Sprintf("%s.messaging.%s", c.Identity.OrgID, c.MQTT.Domain)
}

func (c *Config) BrokerPort() int {
	if c.MQTT.Port != 0 {
		return c.MQTT.Port
	}
	switch c.MQTT.Transport {
	case TransportWS:
		return 80
	case TransportWSS:
		return 443
	case TransportSSL:
		return 8883
	}
	return 1883
}

// BrokerURL returns the paho broker address, e.g. ssl://org.messaging.host:8883.
func (c *Config) BrokerURL() string {
	url := fmt.Sprintf("%s://%s:%d", c.MQTT.Transport, c.BrokerHost(), c.BrokerPort())
	if c.MQTT.Transport == TransportWS || c.MQTT.Transport == TransportWSS {
		url += "/mqtt"
	}
	return url
}

// LogLevel returns the parsed log level, falling back to info.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
