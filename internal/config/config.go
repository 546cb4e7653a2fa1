package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/batch"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "nest.json"

	// DefaultRemoteURL is the websocket endpoint of a local nestctl serve.
	DefaultRemoteURL = "ws://localhost:7070/ws"

	// DefaultServeAddr is the listen address of nestctl serve.
	DefaultServeAddr = ":7070"

	// DefaultMetricsAddr is the listen address of the metrics endpoint.
	DefaultMetricsAddr = ":9090"

	// DefaultNamespace is the Prometheus namespace.
	DefaultNamespace = "nest"

	// DefaultSnapshotDir is where file snapshots are written.
	DefaultSnapshotDir = "snapshots"

	// DefaultLogLevel is the default slog level name.
	DefaultLogLevel = "info"
)

// Config represents the complete nest.json configuration.
type Config struct {
	// Remote describes the data service clients connect to.
	Remote RemoteConfig `json:"remote,omitempty"`

	// Queue contains the cache batching policy.
	Queue QueueConfig `json:"queue,omitempty"`

	// CancelDelay postpones every cancellation (e.g., "250ms").
	CancelDelay string `json:"cancelDelay,omitempty"`

	// RetainSlots keeps cache slots after their last subscriber leaves.
	RetainSlots bool `json:"retainSlots,omitempty"`

	// Descriptors is the path to a descriptor file for nestctl watch.
	Descriptors string `json:"descriptors,omitempty"`

	// Serve contains nestctl serve settings.
	Serve ServeConfig `json:"serve,omitempty"`

	// Metrics contains the Prometheus endpoint settings.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Snapshot selects where cache snapshots are stored.
	Snapshot SnapshotConfig `json:"snapshot,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// RemoteConfig contains remote service settings.
type RemoteConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:7070/ws.
	URL string `json:"url,omitempty"`
}

// QueueConfig contains batching settings.
type QueueConfig struct {
	// Delay is the quiet period before a drain (e.g., "20ms").
	Delay string `json:"delay,omitempty"`

	// MaxPending forces a drain once this many calls are queued.
	MaxPending int `json:"maxPending,omitempty"`

	// Immediate disables batching.
	Immediate bool `json:"immediate,omitempty"`
}

// ServeConfig contains settings for the in-memory server.
type ServeConfig struct {
	// Addr is the listen address.
	Addr string `json:"addr,omitempty"`

	// Seed is a JSON file loaded into the tree at start.
	Seed string `json:"seed,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `json:"addr,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace,omitempty"`
}

// SnapshotConfig selects the snapshot sink. S3 is used when Bucket is set.
type SnapshotConfig struct {
	// Dir is the directory of the file sink.
	Dir string `json:"dir,omitempty"`

	// S3 configures the object storage sink.
	S3 S3Config `json:"s3,omitempty"`
}

// S3Config contains object storage settings.
type S3Config struct {
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Remote: RemoteConfig{URL: DefaultRemoteURL},
		Queue: QueueConfig{
			Delay:      batch.DefaultDelay.String(),
			MaxPending: batch.DefaultMaxPending,
		},
		Serve:    ServeConfig{Addr: DefaultServeAddr},
		Metrics:  MetricsConfig{Addr: DefaultMetricsAddr, Namespace: DefaultNamespace},
		Snapshot: SnapshotConfig{Dir: DefaultSnapshotDir},
		LogLevel: DefaultLogLevel,
	}
}

// Load reads configuration from the specified directory.
// It looks for nest.json in the directory.
func Load(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ConfigFileName)
	return LoadFile(configPath)
}

// LoadOrDefault is like Load but returns defaults when no file exists.
func LoadOrDefault(dir string) (*Config, error) {
	cfg, err := Load(dir)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(filepath.Join(dir, ConfigFileName)); os.IsNotExist(statErr) {
		return New(), nil
	}
	return nil, err
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("N101").
				WithPath(path).
				WithDetail("No nest.json found in " + filepath.Dir(path)).
				WithSuggestion("Run 'nestctl init' to write a default nest.json")
		}
		return nil, errors.New("N101").WithPath(path).Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("N101").
			WithPath(path).
			WithDetail("Failed to parse nest.json: " + err.Error()).
			WithSuggestion("Check that nest.json is valid JSON")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("N101").Wrap(err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("N101").WithPath(path).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Remote.URL == "" {
		c.Remote.URL = DefaultRemoteURL
	}

	// Queue
	if c.Queue.Delay == "" {
		c.Queue.Delay = batch.DefaultDelay.String()
	}
	if c.Queue.MaxPending == 0 {
		c.Queue.MaxPending = batch.DefaultMaxPending
	}

	if c.Serve.Addr == "" {
		c.Serve.Addr = DefaultServeAddr
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = DefaultSnapshotDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := parseDuration("queue.delay", c.Queue.Delay); err != nil {
		return err
	}
	if _, err := parseDuration("cancelDelay", c.CancelDelay); err != nil {
		return err
	}
	if c.Queue.MaxPending < 0 {
		return errors.New("N102").
			WithDetail("queue.maxPending must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "ws://") && !strings.HasPrefix(c.Remote.URL, "wss://") {
		return errors.New("N102").
			WithDetail("remote.url must be a ws:// or wss:// URL, got " + c.Remote.URL)
	}
	return nil
}

// Batch returns the queue policy as a batch.Config.
func (c *Config) Batch() batch.Config {
	d, _ := parseDuration("queue.delay", c.Queue.Delay)
	return batch.Config{
		Delay:      d,
		MaxPending: c.Queue.MaxPending,
		Immediate:  c.Queue.Immediate,
	}.Normalize()
}

// CancelDelayDuration returns the parsed cancel delay, zero when unset.
func (c *Config) CancelDelayDuration() time.Duration {
	d, _ := parseDuration("cancelDelay", c.CancelDelay)
	return d
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.New("N102").
			WithDetail("logLevel must be one of debug, info, warn, error").
			Wrap(err)
	}
	return lvl, nil
}

// UsesS3 reports whether snapshots go to object storage.
func (c *Config) UsesS3() bool {
	return c.Snapshot.S3.Bucket != ""
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("N102").
			WithDetail(field + " must be a non-negative duration such as \"20ms\"").
			WithSuggestion("Use Go duration syntax: 250ms, 2s, 1m")
	}
	return d, nil
}
