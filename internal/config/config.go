package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"willow/internal/expression"
	"willow/internal/logging"
	"willow/internal/timeseries"
)

const EnvPrefix = "WILLOW"

type Config struct {
	Logging    logging.Config      `mapstructure:"logging" yaml:"logging"`
	Engine     EngineConfig        `mapstructure:"engine" yaml:"engine"`
	Buffer     timeseries.Settings `mapstructure:"buffer" yaml:"buffer"`
	Expression expression.Config   `mapstructure:"expression" yaml:"expression"`
	Rules      RulesConfig         `mapstructure:"rules" yaml:"rules"`
	Ingest     IngestConfig        `mapstructure:"ingest" yaml:"ingest"`
	API        APIConfig           `mapstructure:"api" yaml:"api"`
	Storage    StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Command    CommandConfig       `mapstructure:"command" yaml:"command"`
	Metrics    MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Activity   ActivityConfig      `mapstructure:"activity" yaml:"activity"`
}

type EngineConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	CoalesceWindow  time.Duration `mapstructure:"coalesce_window" yaml:"coalesce_window"`
	CheckpointQueue int           `mapstructure:"checkpoint_queue" yaml:"checkpoint_queue"`
	MaxOutputValues int           `mapstructure:"max_output_values" yaml:"max_output_values"`
	MaxOccurrences  int           `mapstructure:"max_occurrences" yaml:"max_occurrences"`
	OverlapCooldown time.Duration `mapstructure:"overlap_cooldown" yaml:"overlap_cooldown"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
}

type RulesConfig struct {
	Path          string        `mapstructure:"path" yaml:"path"`
	WatchInterval time.Duration `mapstructure:"watch_interval" yaml:"watch_interval"`
}

type IngestConfig struct {
	ChannelBuffer int            `mapstructure:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig     `mapstructure:"rest" yaml:"rest"`
	FileTail      FileTailConfig `mapstructure:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
	Parser        ParserConfig   `mapstructure:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr         string `mapstructure:"addr" yaml:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type FileTailConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	StartAtEnd   bool          `mapstructure:"start_at_end" yaml:"start_at_end"`
	Files        []string      `mapstructure:"files" yaml:"files"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	GroupID        string        `mapstructure:"group_id" yaml:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes" yaml:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes" yaml:"max_bytes"`
	CommitInterval time.Duration `mapstructure:"commit_interval" yaml:"commit_interval"`
}

// ParserConfig controls telemetry normalization. Samples stamped more than
// MaxFutureSkew ahead of the wall clock are rejected.
type ParserConfig struct {
	Timezone      string        `mapstructure:"timezone" yaml:"timezone"`
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew" yaml:"max_future_skew"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver           string        `mapstructure:"driver" yaml:"driver"`
	DSN              string        `mapstructure:"dsn" yaml:"dsn"`
	CompressionLevel int           `mapstructure:"compression_level" yaml:"compression_level"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type CommandConfig struct {
	Enabled         bool               `mapstructure:"enabled" yaml:"enabled"`
	Publisher       string             `mapstructure:"publisher" yaml:"publisher"`
	RetryDelay      time.Duration      `mapstructure:"retry_delay" yaml:"retry_delay"`
	InitialInterval time.Duration      `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration      `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration      `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
	MaxRetries      int                `mapstructure:"max_retries" yaml:"max_retries"`
	Kafka           CommandKafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	HTTP            CommandHTTPConfig  `mapstructure:"http" yaml:"http"`
}

type CommandKafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type CommandHTTPConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	StoreLimit int `mapstructure:"store_limit" yaml:"store_limit"`
}

type ActivityConfig struct {
	StoreLimit int `mapstructure:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{Level: "info", Format: "json"},
		Engine: EngineConfig{
			QueueSize:       1024,
			CheckpointQueue: 4096,
			MaxOutputValues: 2000,
			MaxOccurrences:  500,
			OverlapCooldown: 15 * time.Minute,
			DedupeWindow:    time.Minute,
		},
		Buffer: timeseries.DefaultSettings(),
		Expression: expression.Config{
			Timeout:      250 * time.Millisecond,
			CacheSize:    1024,
			MaxCallStack: 256,
			SlowWarning:  50 * time.Millisecond,
		},
		Rules: RulesConfig{Path: "rules.yaml", WatchInterval: 5 * time.Second},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", MaxBodyBytes: 10 << 20},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true, PollInterval: 500 * time.Millisecond},
			Kafka:         KafkaConfig{Enabled: false, MinBytes: 1e3, MaxBytes: 10e6, CommitInterval: time.Second},
			Parser:        ParserConfig{Timezone: "UTC", MaxFutureSkew: 5 * time.Minute},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:willow.db?_pragma=busy_timeout(5000)", Timeout: 10 * time.Second},
		Command: CommandConfig{
			Enabled:         false,
			Publisher:       "log",
			RetryDelay:      5 * time.Minute,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsedTime:  time.Minute,
			MaxRetries:      5,
			HTTP:            CommandHTTPConfig{Timeout: 10 * time.Second},
		},
		Metrics:  MetricsConfig{StoreLimit: 50000},
		Activity: ActivityConfig{StoreLimit: 1000},
	}
}

// Load reads path (optional) and WILLOW_* environment overrides on top of
// DefaultConfig. A missing path falls back to ./willow.yaml when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("willow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// setDefaults registers every key that may be overridden from the
// environment; viper only binds env vars for keys it knows about.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.caller", false)

	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.coalesce_window", "0s")
	v.SetDefault("engine.checkpoint_queue", d.Engine.CheckpointQueue)
	v.SetDefault("engine.max_output_values", d.Engine.MaxOutputValues)
	v.SetDefault("engine.max_occurrences", d.Engine.MaxOccurrences)
	v.SetDefault("engine.overlap_cooldown", d.Engine.OverlapCooldown.String())
	v.SetDefault("engine.dedupe_window", d.Engine.DedupeWindow.String())

	v.SetDefault("buffer.max_time_to_keep", d.Buffer.MaxTimeToKeep.String())
	v.SetDefault("buffer.max_samples", 0)
	v.SetDefault("buffer.compression.enabled", false)
	v.SetDefault("buffer.compression.tolerance", 0.0)

	v.SetDefault("expression.timeout", d.Expression.Timeout.String())
	v.SetDefault("expression.cache_size", d.Expression.CacheSize)

	v.SetDefault("rules.path", d.Rules.Path)
	v.SetDefault("rules.watch_interval", d.Rules.WatchInterval.String())

	v.SetDefault("ingest.channel_buffer", d.Ingest.ChannelBuffer)
	v.SetDefault("ingest.rest.enabled", d.Ingest.REST.Enabled)
	v.SetDefault("ingest.rest.addr", d.Ingest.REST.Addr)
	v.SetDefault("ingest.file_tail.enabled", false)
	v.SetDefault("ingest.file_tail.files", []string{})
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.topic", "")
	v.SetDefault("ingest.kafka.group_id", "")
	v.SetDefault("ingest.parser.timezone", d.Ingest.Parser.Timezone)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.addr", d.API.Addr)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)

	v.SetDefault("command.enabled", d.Command.Enabled)
	v.SetDefault("command.publisher", d.Command.Publisher)
	v.SetDefault("command.retry_delay", d.Command.RetryDelay.String())
	v.SetDefault("command.kafka.brokers", []string{})
	v.SetDefault("command.kafka.topic", "")
	v.SetDefault("command.http.url", "")
	v.SetDefault("command.http.token", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	cfg.Buffer = cfg.Buffer.WithDefaults(d.Buffer)
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = d.Engine.QueueSize
	}
	if cfg.Engine.CheckpointQueue <= 0 {
		cfg.Engine.CheckpointQueue = d.Engine.CheckpointQueue
	}
	if cfg.Engine.MaxOutputValues <= 0 {
		cfg.Engine.MaxOutputValues = d.Engine.MaxOutputValues
	}
	if cfg.Engine.MaxOccurrences <= 0 {
		cfg.Engine.MaxOccurrences = d.Engine.MaxOccurrences
	}
	if cfg.Expression.Timeout <= 0 {
		cfg.Expression.Timeout = d.Expression.Timeout
	}
	if cfg.Rules.WatchInterval <= 0 {
		cfg.Rules.WatchInterval = d.Rules.WatchInterval
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = d.Ingest.ChannelBuffer
	}
	if cfg.Ingest.REST.MaxBodyBytes <= 0 {
		cfg.Ingest.REST.MaxBodyBytes = d.Ingest.REST.MaxBodyBytes
	}
	if cfg.Ingest.FileTail.PollInterval <= 0 {
		cfg.Ingest.FileTail.PollInterval = d.Ingest.FileTail.PollInterval
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Command.Publisher == "" {
		cfg.Command.Publisher = d.Command.Publisher
	}
	if cfg.Command.RetryDelay <= 0 {
		cfg.Command.RetryDelay = d.Command.RetryDelay
	}
	if cfg.Storage.Timeout <= 0 {
		cfg.Storage.Timeout = d.Storage.Timeout
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = d.Metrics.StoreLimit
	}
	if cfg.Activity.StoreLimit <= 0 {
		cfg.Activity.StoreLimit = d.Activity.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if _, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err != nil {
		return fmt.Errorf("ingest.parser.timezone: %w", err)
	}
	if cfg.Engine.Workers < 0 {
		return errors.New("engine.workers cannot be negative")
	}
	if cfg.Engine.CoalesceWindow < 0 {
		return errors.New("engine.coalesce_window cannot be negative")
	}
	if err := cfg.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	if cfg.Command.Enabled {
		switch strings.ToLower(cfg.Command.Publisher) {
		case "log":
		case "kafka":
			if len(cfg.Command.Kafka.Brokers) == 0 || cfg.Command.Kafka.Topic == "" {
				return errors.New("command.kafka requires brokers and topic")
			}
		case "http":
			if cfg.Command.HTTP.URL == "" {
				return errors.New("command.http.url required for the http publisher")
			}
		default:
			return fmt.Errorf("command.publisher %q is not supported", cfg.Command.Publisher)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an already loaded config that is never reloaded.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

// Watch polls the config file and reloads it when it changes.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	poll(interval, stop, func() {
		needs, err := m.NeedsReload()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if !needs {
			return
		}
		cfg, err := m.Reload()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onReload != nil {
			onReload(cfg)
		}
	})
}

// WatchFile calls onChange whenever the modification time of path moves
// forward. It is used for files owned by other components, such as the
// rules catalog.
func WatchFile(path string, interval time.Duration, onChange func(), onError func(error), stop <-chan struct{}) {
	var last time.Time
	if info, err := os.Stat(path); err == nil {
		last = info.ModTime()
	}
	poll(interval, stop, func() {
		info, err := os.Stat(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if !info.ModTime().After(last) {
			return
		}
		last = info.ModTime()
		if onChange != nil {
			onChange()
		}
	})
}

func poll(interval time.Duration, stop <-chan struct{}, fn func()) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
