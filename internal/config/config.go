package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hazz-dev/pingboard/internal/target"
)

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	MethodAuto = "auto"
	MethodTCP  = "tcp"
	MethodICMP = "icmp"

	FormatText = "text"
	FormatJSON = "json"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	defaultTCPPort   = 443
	defaultTimeout   = 2 * time.Second
	defaultWorkers   = 4
	defaultThreshold = 100 * time.Millisecond
	defaultPeriod    = 7 * time.Second
	defaultAddress   = "localhost:8050"
	defaultDBPath    = "pingboard.db"
)

// EnvPrefix prefixes every environment override, e.g. PINGBOARD_PROBE_TIMEOUT.
const EnvPrefix = "PINGBOARD"

// Duration is a time.Duration that unmarshals from a YAML string like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Target describes a single monitored address.
type Target struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	IconURL string `json:"icon_url" yaml:"icon_url"`
}

// ProbeConfig holds probing settings shared by every target.
type ProbeConfig struct {
	Method    string   `json:"method" yaml:"method"`
	TCPPort   int      `json:"tcp_port" yaml:"tcp_port"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	Workers   int      `json:"workers" yaml:"workers"`
	Threshold Duration `json:"threshold" yaml:"threshold"`
}

// ScheduleConfig holds the cycle period.
type ScheduleConfig struct {
	Period Duration `json:"period" yaml:"period"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Path string `json:"path" yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the root application configuration.
type Config struct {
	Targets  []Target       `json:"targets" yaml:"targets"`
	Probe    ProbeConfig    `json:"probe" yaml:"probe"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// DefaultTargets is used when the configuration names no targets.
func DefaultTargets() []Target {
	return []Target{
		{Name: "Localhost", Address: "127.0.0.1", IconURL: "https://static.thenounproject.com/png/808277-200.png"},
		{Name: "Google", Address: "google.com", IconURL: "https://www.google.com/favicon.ico"},
		{Name: "Cloudflare", Address: "cloudflare.com", IconURL: "https://www.cloudflare.com/favicon.ico"},
		{Name: "GitHub", Address: "github.com", IconURL: "https://github.githubassets.com/favicons/favicon.png"},
		{Name: "LinkedIn", Address: "linkedin.com", IconURL: "https://upload.wikimedia.org/wikipedia/commons/thumb/c/ca/LinkedIn_logo_initials.png/240px-LinkedIn_logo_initials.png"},
		{Name: "Wikipedia", Address: "wikipedia.org", IconURL: "https://en.wikipedia.org/static/favicon/wikipedia.ico"},
		{Name: "Stack Overflow", Address: "stackoverflow.com", IconURL: "https://cdn.sstatic.net/Sites/stackoverflow/img/favicon.ico"},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, _ := build(rawConfig{})
	return cfg
}

type rawProbe struct {
	Method    string `yaml:"method"`
	TCPPort   int    `yaml:"tcp_port"`
	Timeout   string `yaml:"timeout"`
	Workers   int    `yaml:"workers"`
	Threshold string `yaml:"threshold"`
}

// rawConfig keeps durations as strings so that parse errors name the field.
type rawConfig struct {
	Targets  []Target `yaml:"targets"`
	Probe    rawProbe `yaml:"probe"`
	Schedule struct {
		Period string `yaml:"period"`
	} `yaml:"schedule"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// Load reads, parses, and validates the config file at path. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	var raw rawConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config: %w", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parsing config: %w", ErrInvalidConfig, err)
		}
	}

	cfg, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func build(raw rawConfig) (*Config, error) {
	// Apply defaults.
	if len(raw.Targets) == 0 {
		raw.Targets = DefaultTargets()
	}
	if raw.Probe.Method == "" {
		raw.Probe.Method = MethodAuto
	}
	if raw.Probe.TCPPort == 0 {
		raw.Probe.TCPPort = defaultTCPPort
	}
	if raw.Probe.Workers == 0 {
		raw.Probe.Workers = defaultWorkers
	}
	if raw.Server.Address == "" {
		raw.Server.Address = defaultAddress
	}
	if raw.Storage.Path == "" {
		raw.Storage.Path = defaultDBPath
	}
	if raw.Log.Level == "" {
		raw.Log.Level = LogLevelInfo
	}
	if raw.Log.Format == "" {
		raw.Log.Format = FormatText
	}

	cfg := &Config{
		Targets: raw.Targets,
		Probe: ProbeConfig{
			Method:  strings.ToLower(raw.Probe.Method),
			TCPPort: raw.Probe.TCPPort,
			Workers: raw.Probe.Workers,
		},
		Server:  raw.Server,
		Storage: raw.Storage,
		Log: LogConfig{
			Level:  strings.ToLower(raw.Log.Level),
			Format: strings.ToLower(raw.Log.Format),
		},
	}

	var err error
	if cfg.Probe.Timeout, err = parseDuration("probe.timeout", raw.Probe.Timeout, defaultTimeout); err != nil {
		return nil, err
	}
	if cfg.Probe.Threshold, err = parseDuration("probe.threshold", raw.Probe.Threshold, defaultThreshold); err != nil {
		return nil, err
	}
	if cfg.Schedule.Period, err = parseDuration("schedule.period", raw.Schedule.Period, defaultPeriod); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(field, s string, def time.Duration) (Duration, error) {
	if s == "" {
		return Duration{def}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return Duration{d}, nil
}

// TargetSpecs converts the configured targets for the target registry.
func (c *Config) TargetSpecs() []target.Spec {
	specs := make([]target.Spec, len(c.Targets))
	for i, t := range c.Targets {
		specs[i] = target.Spec{Name: t.Name, Address: t.Address, IconURL: t.IconURL}
	}
	return specs
}

// Validate checks every field and cross-field rule.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Targets,
			validation.Required,
			validation.Each(validation.By(validateTarget)),
			validation.By(uniqueTargetIDs),
		),
		validation.Field(&c.Probe, validation.By(func(value interface{}) error {
			pc, ok := value.(ProbeConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ProbeConfig")
			}
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.Method, validation.Required, validation.In(MethodAuto, MethodTCP, MethodICMP)),
				validation.Field(&pc.TCPPort, validation.Required, validation.Min(1), validation.Max(65535)),
				validation.Field(&pc.Timeout, validation.By(positiveDuration)),
				validation.Field(&pc.Workers, validation.Required, validation.Min(1)),
				validation.Field(&pc.Threshold, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Schedule, validation.By(func(value interface{}) error {
			sc, ok := value.(ScheduleConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ScheduleConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Period, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Address, validation.Required, validation.By(validateHostPort)),
			)
		})),
		validation.Field(&c.Storage, validation.By(func(value interface{}) error {
			sc, ok := value.(StorageConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a StorageConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Path, validation.Required),
			)
		})),
		validation.Field(&c.Log, validation.By(func(value interface{}) error {
			lc, ok := value.(LogConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LogConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level, validation.Required, validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)),
				validation.Field(&lc.Format, validation.Required, validation.In(FormatText, FormatJSON)),
			)
		})),
	)
}

func validateTarget(value interface{}) error {
	t, ok := value.(Target)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a Target")
	}
	return validation.ValidateStruct(&t,
		validation.Field(&t.Name, validation.Required, validation.By(func(interface{}) error {
			if target.Slug(t.Name) == "" {
				return validation.NewError("validation_invalid_name", "must contain a letter or digit")
			}
			return nil
		})),
		validation.Field(&t.Address, validation.Required, validation.By(validateAddress)),
		validation.Field(&t.IconURL, is.URL),
	)
}

func uniqueTargetIDs(value interface{}) error {
	targets, ok := value.([]Target)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of targets")
	}
	seen := make(map[string]string, len(targets))
	for _, t := range targets {
		id := target.Slug(t.Name)
		if id == "" {
			continue
		}
		if prev, dup := seen[id]; dup {
			return validation.NewError("validation_duplicate_target",
				fmt.Sprintf("targets %q and %q share the id %q", prev, t.Name, id))
		}
		seen[id] = t.Name
	}
	return nil
}

// validateAddress accepts a host name or IP, optionally with a port.
func validateAddress(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "must be a host name or IP address")
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}

func positiveDuration(value interface{}) error {
	d, ok := value.(Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}
	if d.Duration <= 0 {
		return validation.NewError("validation_invalid_duration", "must be a positive duration (e.g. 100ms, 2s)")
	}
	return nil
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"address":   "server.address",
	"period":    "schedule.period",
	"timeout":   "probe.timeout",
	"threshold": "probe.threshold",
	"workers":   "probe.workers",
	"method":    "probe.method",
	"db":        "storage.path",
	"log-level": "log.level",
}

// NewViper returns a viper instance reading PINGBOARD_* environment variables
// and bound to whichever of the known flags exist in flags. flags may be nil.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags == nil {
		return v, nil
	}
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return v, nil
}

// ApplyOverrides layers values set in v (changed flags, then environment)
// over the file configuration and re-validates the result.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v.IsSet("probe.method") {
		c.Probe.Method = strings.ToLower(v.GetString("probe.method"))
	}
	if v.IsSet("probe.tcp_port") {
		c.Probe.TCPPort = v.GetInt("probe.tcp_port")
	}
	if v.IsSet("probe.workers") {
		c.Probe.Workers = v.GetInt("probe.workers")
	}
	for key, dst := range map[string]*Duration{
		"probe.timeout":   &c.Probe.Timeout,
		"probe.threshold": &c.Probe.Threshold,
		"schedule.period": &c.Schedule.Period,
	} {
		if !v.IsSet(key) {
			continue
		}
		d, err := durationValue(v, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		dst.Duration = d
	}
	if v.IsSet("server.address") {
		c.Server.Address = v.GetString("server.address")
	}
	if v.IsSet("storage.path") {
		c.Storage.Path = v.GetString("storage.path")
	}
	if v.IsSet("log.level") {
		c.Log.Level = strings.ToLower(v.GetString("log.level"))
	}
	if v.IsSet("log.format") {
		c.Log.Format = strings.ToLower(v.GetString("log.format"))
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// durationValue reads key as a duration. Flags deliver a time.Duration,
// environment variables a string.
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	switch val := v.Get(key).(type) {
	case time.Duration:
		return val, nil
	default:
		s := v.GetString(key)
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
		}
		return d, nil
	}
}
