package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conductorone/baton-rolebatch/pkg/bulk"
	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/queue"
	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/retry"
)

const (
	envPrefix         = "rolebatch"
	configPathEnv     = "ROLEBATCH_CONFIG_PATH"
	defaultConfigName = ".rolebatch"
)

// Config holds every tunable of the executors and the queue. Durations accept
// Go duration strings ("1500ms") or bare integers, which are read as milliseconds.
type Config struct {
	BatchSize        int           `mapstructure:"batch-size"`
	BatchDelay       time.Duration `mapstructure:"batch-delay"`
	MaxRetries       int           `mapstructure:"max-retries"`
	RetryDelay       time.Duration `mapstructure:"retry-delay"`
	RateLimitBackoff time.Duration `mapstructure:"rate-limit-backoff"`
	RateLimitMarker  string        `mapstructure:"rate-limit-marker"`

	LargeOperationThreshold int           `mapstructure:"large-operation-threshold"`
	ChunkSize               int           `mapstructure:"chunk-size"`
	ChunkDelayBase          time.Duration `mapstructure:"chunk-delay-base"`
	ChunkDelayPerItem       time.Duration `mapstructure:"chunk-delay-per-item"`
	ChunkDelayMax           time.Duration `mapstructure:"chunk-delay-max"`
	MaxErrors               int           `mapstructure:"max-errors"`

	LookupBatchSize     int           `mapstructure:"lookup-batch-size"`
	LookupBatchDelay    time.Duration `mapstructure:"lookup-batch-delay"`
	LookupConcurrency   int           `mapstructure:"lookup-concurrency"`
	LookupRatePerSecond int           `mapstructure:"lookup-rate"`
	LookupQueueDelay    time.Duration `mapstructure:"lookup-queue-delay"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

func Default() Config {
	b := bulk.DefaultConfig()
	return Config{
		BatchSize:               5,
		BatchDelay:              b.BatchDelay,
		MaxRetries:              3,
		RetryDelay:              time.Second,
		RateLimitBackoff:        5 * time.Second,
		RateLimitMarker:         ratelimit.DefaultMarker,
		LargeOperationThreshold: b.LargeOperationThreshold,
		ChunkSize:               b.ChunkSize,
		ChunkDelayBase:          b.ChunkDelayBase,
		ChunkDelayPerItem:       b.ChunkDelayPerItem,
		ChunkDelayMax:           b.ChunkDelayMax,
		MaxErrors:               b.MaxErrors,
		LookupBatchSize:         b.LookupBatchSize,
		LookupBatchDelay:        b.LookupBatchDelay,
		LookupConcurrency:       b.LookupConcurrency,
		LookupRatePerSecond:     b.LookupRatePerSecond,
		LookupQueueDelay:        queue.DefaultConfig().BatchDelay[queue.KindLookup],
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// Flags registers one flag per configuration key on fs, defaulted from Default.
func Flags(fs *pflag.FlagSet) {
	d := Default()

	fs.Int("batch-size", d.BatchSize, "Number of queued mutations handled per batch")
	fs.Duration("batch-delay", d.BatchDelay, "Pause between mutation batches; grant and revoke dispatches are separated by twice this")
	fs.Int("max-retries", d.MaxRetries, "Attempts per mutation batch before giving up")
	fs.Duration("retry-delay", d.RetryDelay, "Linear retry step for generic errors")
	fs.Duration("rate-limit-backoff", d.RateLimitBackoff, "Linear retry step after a rate limit signal, also used after a failed chunk")
	fs.String("rate-limit-marker", d.RateLimitMarker, "Case-insensitive text that marks an error as a rate limit signal")

	fs.Int("large-operation-threshold", d.LargeOperationThreshold, "Requests with at least this many principals are chunked")
	fs.Int("chunk-size", d.ChunkSize, "Principals per chunk")
	fs.Duration("chunk-delay-base", d.ChunkDelayBase, "Base pause between chunks")
	fs.Duration("chunk-delay-per-item", d.ChunkDelayPerItem, "Additional pause between chunks per principal in the chunk")
	fs.Duration("chunk-delay-max", d.ChunkDelayMax, "Upper bound on the pause between chunks")
	fs.Int("max-errors", d.MaxErrors, "Maximum number of error messages kept in a run summary")

	fs.Int("lookup-batch-size", d.LookupBatchSize, "Principals resolved per lookup sub-batch, and queued lookups per batch")
	fs.Duration("lookup-batch-delay", d.LookupBatchDelay, "Pause between lookup sub-batches")
	fs.Int("lookup-concurrency", d.LookupConcurrency, "Concurrent lookups within a sub-batch")
	fs.Int("lookup-rate", d.LookupRatePerSecond, "Maximum lookups per second, 0 for unlimited")
	fs.Duration("lookup-queue-delay", d.LookupQueueDelay, "Pause between batches of queued lookups")

	fs.String("log-level", d.LogLevel, "The log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "The output format for logs: json, console")
}

// Load reads the configuration from, in increasing precedence, defaults, the
// yaml config file, ROLEBATCH_* environment variables and flags set on cmd.
func Load(cmd *cobra.Command) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	path, name, err := cleanOrGetConfigPath(os.Getenv(configPathEnv))
	if err != nil {
		return nil, nil, err
	}
	v.SetConfigName(name)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config: reading %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

func (c *Config) Validate() error {
	var errs []error

	positive := map[string]int{
		"batch-size":                c.BatchSize,
		"max-retries":               c.MaxRetries,
		"large-operation-threshold": c.LargeOperationThreshold,
		"chunk-size":                c.ChunkSize,
		"max-errors":                c.MaxErrors,
		"lookup-batch-size":         c.LookupBatchSize,
		"lookup-concurrency":        c.LookupConcurrency,
	}
	for _, k := range sortedKeys(positive) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, positive[k]))
		}
	}

	if c.LookupRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("lookup-rate must not be negative, got %d", c.LookupRatePerSecond))
	}

	durations := map[string]time.Duration{
		"batch-delay":          c.BatchDelay,
		"retry-delay":          c.RetryDelay,
		"rate-limit-backoff":   c.RateLimitBackoff,
		"chunk-delay-base":     c.ChunkDelayBase,
		"chunk-delay-per-item": c.ChunkDelayPerItem,
		"chunk-delay-max":      c.ChunkDelayMax,
		"lookup-batch-delay":   c.LookupBatchDelay,
		"lookup-queue-delay":   c.LookupQueueDelay,
	}
	for _, k := range sortedKeys(durations) {
		if durations[k] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", k, durations[k]))
		}
	}

	if strings.TrimSpace(c.RateLimitMarker) == "" {
		errs = append(errs, errors.New("rate-limit-marker must not be empty"))
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log-format must be json or console, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return &ConfigurationError{errs: errs}
	}
	return nil
}

func (c *Config) BulkConfig() bulk.Config {
	return bulk.Config{
		BatchDelay:              c.BatchDelay,
		LookupBatchSize:         c.LookupBatchSize,
		LookupBatchDelay:        c.LookupBatchDelay,
		LookupConcurrency:       c.LookupConcurrency,
		LookupRatePerSecond:     c.LookupRatePerSecond,
		LargeOperationThreshold: c.LargeOperationThreshold,
		ChunkSize:               c.ChunkSize,
		ChunkDelayBase:          c.ChunkDelayBase,
		ChunkDelayPerItem:       c.ChunkDelayPerItem,
		ChunkDelayMax:           c.ChunkDelayMax,
		ChunkFailureBackoff:     c.RateLimitBackoff,
		MaxErrors:               c.MaxErrors,
	}
}

func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		BatchSize: map[queue.Kind]int{
			queue.KindMutation: c.BatchSize,
			queue.KindLookup:   c.LookupBatchSize,
		},
		BatchDelay: map[queue.Kind]time.Duration{
			queue.KindMutation: c.BatchDelay,
			queue.KindLookup:   c.LookupQueueDelay,
		},
	}
}

func (c *Config) RetryConfig(emitter events.Emitter) retry.RetryConfig {
	return retry.RetryConfig{
		MaxAttempts:      c.MaxRetries,
		RetryDelay:       c.RetryDelay,
		RateLimitBackoff: c.RateLimitBackoff,
		IsRateLimited:    ratelimit.NewMarkerPredicate(c.RateLimitMarker),
		Emitter:          emitter,
	}
}

func cleanOrGetConfigPath(customPath string) (string, string, error) {
	if customPath != "" {
		cfgDir, cfgFile := filepath.Split(filepath.Clean(customPath))
		if cfgDir == "" {
			cfgDir = "."
		}

		ext := filepath.Ext(cfgFile)
		if ext == "" || (ext != ".yaml" && ext != ".yml") {
			return "", "", errors.New("expected config file to have .yaml or .yml extension")
		}

		return strings.TrimSuffix(cfgDir, string(filepath.Separator)), strings.TrimSuffix(cfgFile, ext), nil
	}

	return ".", defaultConfigName, nil
}
