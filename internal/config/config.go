package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrUsage means the positional arguments could not be interpreted.
var ErrUsage = errors.New("invalid arguments")

const EnvPrefix = "BEATWATCH"

// Config is the complete runtime configuration for both binaries. The
// server reads the top-level, smtp, discord and etcd sections; the client
// reads the client section.
type Config struct {
	Port                int           `mapstructure:"port"`
	Timeout             time.Duration `mapstructure:"timeout"`
	Period              time.Duration `mapstructure:"period"`
	LogFile             string        `mapstructure:"log_file"`
	LogLevel            string        `mapstructure:"log_level"`
	IdentityIncludePort bool          `mapstructure:"identity_include_port"`
	StatusAddr          string        `mapstructure:"status_addr"`

	SMTP    SMTP    `mapstructure:"smtp"`
	Discord Discord `mapstructure:"discord"`
	Etcd    Etcd    `mapstructure:"etcd"`
	Client  Client  `mapstructure:"client"`
}

type SMTP struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	From    string `mapstructure:"from"`
	To      string `mapstructure:"to"`
}

// Addr returns host:port for net/smtp.
func (s SMTP) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Discord struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
}

func (d Discord) Enabled() bool {
	return strings.TrimSpace(d.Token) != "" && strings.TrimSpace(d.ChannelID) != ""
}

type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type Client struct {
	Server   string        `mapstructure:"server"`
	Port     int           `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	Payload  string        `mapstructure:"payload"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9999)
	v.SetDefault("timeout", "60s")
	v.SetDefault("period", "0s")
	v.SetDefault("log_file", "heartbeat.log")
	v.SetDefault("log_level", "info")
	v.SetDefault("identity_include_port", false)
	v.SetDefault("status_addr", "127.0.0.1:9180")

	v.SetDefault("smtp.enabled", true)
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 1025)
	v.SetDefault("smtp.from", "heartbeat@localhost")
	v.SetDefault("smtp.to", "root@localhost")

	v.SetDefault("discord.token", "")
	v.SetDefault("discord.channel_id", "")

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.prefix", "/heartbeat/clients/")
	v.SetDefault("etcd.dial_timeout", "5s")

	v.SetDefault("client.server", "127.0.0.1")
	v.SetDefault("client.port", 9999)
	v.SetDefault("client.interval", "20s")
	v.SetDefault("client.payload", "BEAT")
}

// load resolves defaults, then the optional TOML file, then BEATWATCH_*
// environment variables (BEATWATCH_SMTP_HOST for smtp.host).
func load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// LoadServer resolves the server configuration. args are the positional
// arguments: <listen-port> [<timeout-seconds>].
func LoadServer(configFile string, args []string) (*Config, error) {
	cfg, err := load(configFile)
	if err != nil {
		return nil, err
	}
	if len(args) > 2 {
		return nil, fmt.Errorf("%w: expected <listen-port> [<timeout-seconds>], got %d arguments", ErrUsage, len(args))
	}
	if len(args) > 0 {
		if cfg.Port, err = parsePort(args[0]); err != nil {
			return nil, err
		}
	}
	if len(args) > 1 {
		if cfg.Timeout, err = parseSeconds("timeout", args[1]); err != nil {
			return nil, err
		}
	}
	if err := cfg.validateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient resolves the client configuration. args are the positional
// arguments: <server-host> <server-port> [<interval-seconds>].
func LoadClient(configFile string, args []string) (*Config, error) {
	cfg, err := load(configFile)
	if err != nil {
		return nil, err
	}
	if len(args) > 3 {
		return nil, fmt.Errorf("%w: expected <server-host> <server-port> [<interval-seconds>], got %d arguments", ErrUsage, len(args))
	}
	if len(args) > 0 {
		cfg.Client.Server = args[0]
	}
	if len(args) > 1 {
		if cfg.Client.Port, err = parsePort(args[1]); err != nil {
			return nil, err
		}
	}
	if len(args) > 2 {
		if cfg.Client.Interval, err = parseSeconds("interval", args[2]); err != nil {
			return nil, err
		}
	}
	if err := cfg.validateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SweepPeriod is the evaluator period; zero means one sweep per timeout.
func (c *Config) SweepPeriod() time.Duration {
	if c.Period > 0 {
		return c.Period
	}
	return c.Timeout
}

// Port range is left to the receiver so that a bad port surfaces as a bind
// failure.
func (c *Config) validateServer() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Period < 0 {
		return fmt.Errorf("period must not be negative, got %s", c.Period)
	}
	if c.SMTP.Enabled && (c.SMTP.Host == "" || c.SMTP.To == "") {
		return errors.New("smtp.host and smtp.to must be set when smtp is enabled")
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/heartbeat/clients/"
	}
	if !strings.HasSuffix(c.Etcd.Prefix, "/") {
		c.Etcd.Prefix += "/"
	}
	return nil
}

func (c *Config) validateClient() error {
	if strings.TrimSpace(c.Client.Server) == "" {
		return errors.New("client.server must be set")
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port out of range: %d", c.Client.Port)
	}
	if c.Client.Interval <= 0 {
		return fmt.Errorf("client.interval must be positive, got %s", c.Client.Interval)
	}
	return nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", ErrUsage, s)
	}
	return p, nil
}

func parseSeconds(name, s string) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a whole number of seconds", ErrUsage, name, s)
	}
	d, err := seconds(n)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %v", ErrUsage, name, err)
	}
	return d, nil
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

func seconds(n int64) (time.Duration, error) {
	if n > maxSeconds || n < -maxSeconds {
		return 0, fmt.Errorf("%d seconds is out of range", n)
	}
	return time.Duration(n) * time.Second, nil
}

// decodeHook extends viper's default hooks so that a bare number for a
// duration key is read as seconds, matching the positional arguments.
// Strings with a unit ("90s", "1m") keep their time.ParseDuration meaning.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		numberToSecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var durationType = reflect.TypeOf(time.Duration(0))

func numberToSecondsHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if t != durationType || f == durationType {
		return data, nil
	}
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return seconds(reflect.ValueOf(data).Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := reflect.ValueOf(data).Uint()
		if u > uint64(maxSeconds) {
			return nil, fmt.Errorf("%d seconds is out of range", u)
		}
		return seconds(int64(u))
	case reflect.Float32, reflect.Float64:
		x := reflect.ValueOf(data).Float()
		if math.IsNaN(x) || math.Abs(x) > float64(maxSeconds) {
			return nil, fmt.Errorf("%v seconds is out of range", x)
		}
		return time.Duration(x * float64(time.Second)), nil
	case reflect.String:
		s := strings.TrimSpace(reflect.ValueOf(data).String())
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return seconds(n)
		}
		return data, nil
	}
	return data, nil
}
