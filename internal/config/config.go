// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: environment variables > config file > defaults.
// A loaded configuration is validated once and then turned into the items
// and sinks the daemon runs with; nothing downstream validates again.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Input, digest and output type tags.
const (
	InputFile    = "file"
	InputShell   = "shell"
	InputCommand = "command"

	DigestNone             = "none"
	DigestRegex            = "regex"
	DigestMonitoringPlugin = "monitoring-plugin"

	OutputFile     = "file"
	OutputInfluxDB = "influxdb"
	OutputMQTT     = "mqtt"
)

// Defaults taken over when the configuration leaves a value out.
const (
	DefaultShell          = "/bin/sh"
	DefaultOutputPath     = "/var/log/antikoerper/"
	DefaultInfluxURL      = "http://localhost:8086"
	DefaultInfluxDatabase = "antikoerper"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s" or "1m" and from bare integers,
// which are read as seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: unsupported duration format", value.Line)
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds the whole daemon configuration.
type Config struct {
	General GeneralConfig  `yaml:"general"`
	Logging LoggingConfig  `yaml:"logging"`
	Outputs []OutputConfig `yaml:"output"`
	Items   []ItemConfig   `yaml:"items"`
}

// GeneralConfig holds settings shared by all items.
type GeneralConfig struct {
	// Shell runs the script of shell inputs as "<shell> -c <script>".
	Shell string `yaml:"shell"`
	// Timeout bounds a collection for items without their own timeout.
	Timeout Duration `yaml:"timeout"`
	// ShutdownGrace is how long running collections may take to finish
	// on shutdown.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	// MetricsListen exposes the daemon's own counters when set.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// OutputConfig describes one sink. Type selects the variant; fields that
// belong to another variant are rejected by Validate.
type OutputConfig struct {
	Type string `yaml:"type"`

	// file
	BasePath string `yaml:"base_path,omitempty"`

	// influxdb and mqtt
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// influxdb
	URL        string            `yaml:"url,omitempty"`
	Database   string            `yaml:"database,omitempty"`
	Tags       map[string]string `yaml:"tags,omitempty"`
	QueueSize  int               `yaml:"queue_size,omitempty"`
	SpoolDir   string            `yaml:"spool_dir,omitempty"`
	SpoolMaxMB int               `yaml:"spool_max_mb,omitempty"`

	// mqtt
	Broker      string `yaml:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	QoS         int    `yaml:"qos,omitempty"`
	Retained    bool   `yaml:"retained,omitempty"`

	AlwaysWriteRaw bool `yaml:"always_write_raw,omitempty"`
	// UseRawAsFallback defaults to true for file outputs and false for
	// network outputs.
	UseRawAsFallback *bool `yaml:"use_raw_as_fallback,omitempty"`
}

// RawFallback returns the effective use_raw_as_fallback setting.
func (o OutputConfig) RawFallback() bool {
	if o.UseRawAsFallback != nil {
		return *o.UseRawAsFallback
	}
	return o.Type == OutputFile
}

// ItemConfig describes one monitored item.
type ItemConfig struct {
	Key      string            `yaml:"key"`
	Interval Duration          `yaml:"interval"`
	Timeout  Duration          `yaml:"timeout,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Input    InputConfig       `yaml:"input"`
	Digest   DigestConfig      `yaml:"digest"`
}

// InputConfig is the tagged input of an item.
type InputConfig struct {
	Type   string   `yaml:"type"`
	Path   string   `yaml:"path,omitempty"`
	Script string   `yaml:"script,omitempty"`
	Args   []string `yaml:"args,omitempty"`
}

// DigestConfig is the tagged digest of an item. An empty type means none.
type DigestConfig struct {
	Type  string `yaml:"type"`
	Regex string `yaml:"regex,omitempty"`
}

// DefaultConfig returns the default configuration. It has no items and no
// outputs; a file output at DefaultOutputPath is added on load when the
// configuration names none.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			Shell:         DefaultShell,
			Timeout:       Duration{30 * time.Second},
			ShutdownGrace: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
// Unknown fields are errors.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyDefaults(cfg)

	// Environment variable overrides (highest precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// Unlike the defaults of other settings, items can only come from a file,
// so a missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SearchPaths returns the locations Locate looks at, in order.
func SearchPaths() []string {
	return configSearchPaths()
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Encode writes the config as YAML to w.
func Encode(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return enc.Close()
}

func applyDefaults(cfg *Config) {
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []OutputConfig{{Type: OutputFile, BasePath: DefaultOutputPath}}
	}
	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		if o.Type != OutputInfluxDB {
			continue
		}
		if o.URL == "" {
			o.URL = DefaultInfluxURL
		}
		if o.Database == "" {
			o.Database = DefaultInfluxDatabase
		}
	}
	for i := range cfg.Items {
		if cfg.Items[i].Digest.Type == "" {
			cfg.Items[i].Digest.Type = DigestNone
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have the highest precedence.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("ANTIKOERPER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if shell := os.Getenv("ANTIKOERPER_SHELL"); shell != "" {
		cfg.General.Shell = shell
	}
	if addr := os.Getenv("ANTIKOERPER_METRICS_LISTEN"); addr != "" {
		cfg.General.MetricsListen = addr
	}
}

// Validate checks the configuration and reports every problem it finds.
// Invalid regex digests are reported as *item.DigestError.
func (c *Config) Validate() error {
	var errs []error

	if c.General.Shell == "" {
		errs = append(errs, errors.New("general.shell must not be empty"))
	}
	if c.General.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("general.timeout must be positive"))
	}
	if c.General.ShutdownGrace.Duration < 0 {
		errs = append(errs, errors.New("general.shutdown_grace must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	for i, o := range c.Outputs {
		if err := o.validate(); err != nil {
			errs = append(errs, fmt.Errorf("output %d: %w", i, err))
		}
	}

	errs = append(errs, c.validateItems()...)
	return errors.Join(errs...)
}

func (c *Config) validateItems() []error {
	if len(c.Items) == 0 {
		return []error{errors.New("no items configured")}
	}

	var errs []error
	seen := make(map[string]int, len(c.Items))
	var duplicates, zeroIntervals []string
	for i, ic := range c.Items {
		if ic.Key == "" {
			errs = append(errs, fmt.Errorf("item %d: key must not be empty", i))
			continue
		}
		seen[ic.Key]++
		if seen[ic.Key] == 2 {
			duplicates = append(duplicates, ic.Key)
		}
		if ic.Interval.Duration <= 0 {
			zeroIntervals = append(zeroIntervals, ic.Key)
		}
		if strings.HasPrefix(ic.Key, ".") || strings.HasSuffix(ic.Key, ".") {
			errs = append(errs, fmt.Errorf("item %s: key must not start or end with '.'", ic.Key))
		}
		if ic.Timeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("item %s: timeout must not be negative", ic.Key))
		}
		if err := ic.Input.validate(); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", ic.Key, err))
		}
		if _, err := ic.Digest.build(ic.Key); err != nil {
			errs = append(errs, err)
		}
	}

	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		errs = append(errs, fmt.Errorf("duplicate item keys: %s", strings.Join(duplicates, ", ")))
	}
	if len(zeroIntervals) > 0 {
		errs = append(errs, fmt.Errorf("items need a positive interval: %s", strings.Join(zeroIntervals, ", ")))
	}
	return errs
}

func (in InputConfig) validate() error {
	switch in.Type {
	case InputFile:
		if in.Path == "" {
			return errors.New("file input requires path")
		}
		if in.Script != "" || len(in.Args) > 0 {
			return errors.New("file input takes only path")
		}
	case InputShell:
		if in.Script == "" {
			return errors.New("shell input requires script")
		}
		if in.Path != "" || len(in.Args) > 0 {
			return errors.New("shell input takes only script")
		}
	case InputCommand:
		if in.Path == "" {
			return errors.New("command input requires path")
		}
		if in.Script != "" {
			return errors.New("command input takes path and args")
		}
	case "":
		return errors.New("input type is required")
	default:
		return fmt.Errorf("unknown input type %q", in.Type)
	}
	return nil
}

func (o OutputConfig) validate() error {
	hasFile := o.BasePath != ""
	hasAuth := o.Username != "" || o.Password != ""
	hasInflux := o.URL != "" || o.Database != "" || len(o.Tags) > 0 ||
		o.QueueSize != 0 || o.SpoolDir != "" || o.SpoolMaxMB != 0
	hasMQTT := o.Broker != "" || o.ClientID != "" || o.TopicPrefix != "" || o.QoS != 0 || o.Retained

	switch o.Type {
	case OutputFile:
		if !hasFile {
			return errors.New("file output requires base_path")
		}
		if hasAuth || hasInflux || hasMQTT {
			return errors.New("file output takes only base_path and raw settings")
		}
	case OutputInfluxDB:
		if hasFile || hasMQTT {
			return errors.New("influxdb output takes url, database, credentials, tags, queue and spool settings")
		}
		if err := checkURL(o.URL, "http", "https"); err != nil {
			return fmt.Errorf("influxdb url: %w", err)
		}
		if o.QueueSize < 0 {
			return errors.New("queue_size must not be negative")
		}
	case OutputMQTT:
		if hasFile || hasInflux {
			return errors.New("mqtt output takes broker, credentials, client_id, topic_prefix, qos and retained")
		}
		if o.Broker == "" {
			return errors.New("mqtt output requires broker")
		}
		if err := checkURL(o.Broker, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"); err != nil {
			return fmt.Errorf("mqtt broker: %w", err)
		}
		if o.QoS < 0 || o.QoS > 2 {
			return fmt.Errorf("qos must be 0, 1 or 2 (got %d)", o.QoS)
		}
	case "":
		return errors.New("output type is required")
	default:
		return fmt.Errorf("unknown output type %q", o.Type)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s (got %q)", strings.Join(schemes, ", "), raw)
}
