package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"teamsync/internal/retry"
	"teamsync/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName      = "teamsync"
	defaultShutdownSec      = 10
	defaultHTTPListen       = ":8080"
	defaultHealthPath       = "/healthz"
	defaultReadyPath        = "/readyz"
	defaultMetricsPath      = "/metrics"
	defaultControlPrefix    = "/v1"
	defaultMaxBodyBytes     = 64 << 10
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultDocsBucket       = "teamsync_docs"
	defaultSessionBucket    = "teamsync_session"
	defaultIdentityKey      = "identity"
	defaultFunctionPrefix   = "teamsync.fn"
	defaultRequestTimeoutMS = 5000
	defaultMaxSubscribers   = 50
	defaultMaxCascade       = 32
	defaultCapacity         = 16
	defaultMaxRetries       = 3
	defaultRetryInitialMS   = 1000
	defaultRetryMaxMS       = 10000
	defaultThrottleLimit    = 5
	defaultThrottleWindow   = 60
	defaultTitleDebounceMS  = 150
	defaultTitleTemplate    = `{{ fallback .TeamID .Team }} · {{ .Week }}`

	// ServiceModeNATS connects the backend to NATS JetStream.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs against the in-process backend without NATS.
	ServiceModeSingle = "single"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Log           LogConfig           `toml:"log"`
	HTTP          HTTPConfig          `toml:"http"`
	Backend       BackendConfig       `toml:"backend"`
	Store         StoreConfig         `toml:"store"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	UI            UIConfig            `toml:"ui"`
	Prefs         PrefsConfig         `toml:"prefs"`
}

// ServiceConfig contains process-level settings.
// Params: name, backend mode, and shutdown bound.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name               string `toml:"name"`
	Mode               string `toml:"mode"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// HTTPConfig defines the control plane listener.
// Params: listen address, probe/metrics paths, control prefix, and body limit.
// Returns: HTTP runtime options.
type HTTPConfig struct {
	Enabled       bool   `toml:"enabled"`
	Listen        string `toml:"listen"`
	HealthPath    string `toml:"health_path"`
	ReadyPath     string `toml:"ready_path"`
	MetricsPath   string `toml:"metrics_path"`
	ControlPrefix string `toml:"control_prefix"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`
}

// BackendConfig groups remote backend adapters.
type BackendConfig struct {
	NATS NATSBackendConfig `toml:"nats"`
}

// NATSBackendConfig defines JetStream KV buckets and request subjects.
// Params: server URLs, bucket names, identity key, function subject prefix, and timeouts.
// Returns: NATS backend settings.
type NATSBackendConfig struct {
	URL                    []string `toml:"url"`
	DocsBucket             string   `toml:"docs_bucket"`
	SessionBucket          string   `toml:"session_bucket"`
	IdentityKey            string   `toml:"identity_key"`
	FunctionPrefix         string   `toml:"function_prefix"`
	RequestTimeoutMS       int      `toml:"request_timeout_ms"`
	RequireExistingBuckets bool     `toml:"require_existing_buckets"`
}

// RequestTimeout returns function call timeout.
func (c NATSBackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// StoreConfig bounds the state store.
// Params: per-slot listener cap and notify cascade bound.
// Returns: store limits.
type StoreConfig struct {
	MaxSubscribers int `toml:"max_subscribers"`
	MaxCascade     int `toml:"max_cascade"`
}

// SubscriptionsConfig bounds the subscription layer.
// Params: registry capacity, retry policy, and attempt throttle.
// Returns: subscription limits.
type SubscriptionsConfig struct {
	Capacity int            `toml:"capacity"`
	Retry    RetryConfig    `toml:"retry"`
	Throttle ThrottleConfig `toml:"throttle"`
}

// RetryConfig defines re-subscribe budget and backoff.
// Params: retry count, backoff kind, and delay bounds in ms.
// Returns: retry settings.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	Backoff    string `toml:"backoff"`
	InitialMS  int    `toml:"initial_ms"`
	MaxMS      int    `toml:"max_ms"`
}

// Policy converts retry settings into policy value.
// Params: none.
// Returns: retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.NewPolicy(c.MaxRetries, c.Backoff,
		time.Duration(c.InitialMS)*time.Millisecond,
		time.Duration(c.MaxMS)*time.Millisecond)
}

// ThrottleConfig defines sliding attempt window per resource key.
type ThrottleConfig struct {
	Limit     int `toml:"limit"`
	WindowSec int `toml:"window_sec"`
}

// Window returns throttle interval.
func (c ThrottleConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// UIConfig defines derived UI effects.
// Params: title debounce delay and title template.
// Returns: UI effect settings.
type UIConfig struct {
	TitleDebounceMS int    `toml:"title_debounce_ms"`
	TitleTemplate   string `toml:"title_template"`
}

// TitleDebounce returns trailing debounce delay.
func (c UIConfig) TitleDebounce() time.Duration {
	return time.Duration(c.TitleDebounceMS) * time.Millisecond
}

// PrefsConfig defines durable local storage.
// Params: TOML file path; empty keeps preferences in memory.
// Returns: prefs settings.
type PrefsConfig struct {
	Path string `toml:"path"`
}

// LogConfig declares configured log sinks.
// Params: console and file sink settings.
// Returns: logger setup input.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// configMergeHints records bools that were written explicitly.
// Params: pointer fields decoded from the same TOML body.
// Returns: explicit-value markers for defaults and overlay merge.
type configMergeHints struct {
	HTTP struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"http"`
}

// ConfigSource describes where configuration is loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var (
		cfg   Config
		hints configMergeHints
		err   error
	)
	if src.File != "" {
		cfg, hints, err = loadFile(src.File)
	} else {
		cfg, hints, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg, hints)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns fully defaulted config without reading any file.
// Params: none.
// Returns: single-mode config used by tests and local runs.
func Default() Config {
	cfg := Config{Service: ServiceConfig{Mode: ServiceModeSingle}}
	applyDefaults(&cfg, configMergeHints{})
	return cfg
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config plus explicit-bool hints.
func loadFile(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, configMergeHints, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, configMergeHints{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var (
		merged      Config
		mergedHints configMergeHints
	)
	for _, file := range files {
		fragment, hints, err := loadFile(file)
		if err != nil {
			return Config{}, configMergeHints{}, err
		}
		mergeConfig(&merged, fragment, hints)
		if hints.HTTP.Enabled != nil {
			mergedHints.HTTP.Enabled = hints.HTTP.Enabled
		}
	}
	return merged, mergedHints, nil
}

// mergeConfig overlays non-empty sections of source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.HTTP != (HTTPConfig{}) || hints.HTTP.Enabled != nil {
		dst.HTTP = src.HTTP
	}
	if hasNATSBackendConfig(src.Backend.NATS) {
		dst.Backend.NATS = src.Backend.NATS
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if src.Subscriptions.Capacity != 0 {
		dst.Subscriptions.Capacity = src.Subscriptions.Capacity
	}
	if src.Subscriptions.Retry != (RetryConfig{}) {
		dst.Subscriptions.Retry = src.Subscriptions.Retry
	}
	if src.Subscriptions.Throttle != (ThrottleConfig{}) {
		dst.Subscriptions.Throttle = src.Subscriptions.Throttle
	}
	if src.UI != (UIConfig{}) {
		dst.UI = src.UI
	}
	if src.Prefs != (PrefsConfig{}) {
		dst.Prefs = src.Prefs
	}
}

// applyDefaults fills omitted settings.
// Params: decoded config and explicit-bool hints.
// Returns: defaults side-effect in cfg.
func applyDefaults(cfg *Config, hints configMergeHints) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if hints.HTTP.Enabled == nil {
		cfg.HTTP.Enabled = true
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.ControlPrefix) == "" {
		cfg.HTTP.ControlPrefix = defaultControlPrefix
	}
	cfg.HTTP.ControlPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.HTTP.ControlPrefix), "/")
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	nats := &cfg.Backend.NATS
	nats.URL = normalizeNATSURLs(nats.URL)
	if len(nats.URL) == 0 && cfg.Service.Mode == ServiceModeNATS {
		nats.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(nats.DocsBucket) == "" {
		nats.DocsBucket = defaultDocsBucket
	}
	if strings.TrimSpace(nats.SessionBucket) == "" {
		nats.SessionBucket = defaultSessionBucket
	}
	if strings.TrimSpace(nats.IdentityKey) == "" {
		nats.IdentityKey = defaultIdentityKey
	}
	if strings.TrimSpace(nats.FunctionPrefix) == "" {
		nats.FunctionPrefix = defaultFunctionPrefix
	}
	if nats.RequestTimeoutMS <= 0 {
		nats.RequestTimeoutMS = defaultRequestTimeoutMS
	}

	if cfg.Store.MaxSubscribers <= 0 {
		cfg.Store.MaxSubscribers = defaultMaxSubscribers
	}
	if cfg.Store.MaxCascade <= 0 {
		cfg.Store.MaxCascade = defaultMaxCascade
	}

	if cfg.Subscriptions.Capacity <= 0 {
		cfg.Subscriptions.Capacity = defaultCapacity
	}
	fillRetryDefaults(&cfg.Subscriptions.Retry)
	if cfg.Subscriptions.Throttle.Limit <= 0 {
		cfg.Subscriptions.Throttle.Limit = defaultThrottleLimit
	}
	if cfg.Subscriptions.Throttle.WindowSec <= 0 {
		cfg.Subscriptions.Throttle.WindowSec = defaultThrottleWindow
	}

	if cfg.UI.TitleDebounceMS <= 0 {
		cfg.UI.TitleDebounceMS = defaultTitleDebounceMS
	}
	if strings.TrimSpace(cfg.UI.TitleTemplate) == "" {
		cfg.UI.TitleTemplate = defaultTitleTemplate
	}
}

// fillRetryDefaults fills omitted retry settings.
// Params: retry block.
// Returns: defaults side-effect in retry.
func fillRetryDefaults(cfg *RetryConfig) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if strings.TrimSpace(cfg.Backoff) == "" {
		cfg.Backoff = retry.BackoffLinear
	}
	cfg.Backoff = strings.ToLower(strings.TrimSpace(cfg.Backoff))
	if cfg.InitialMS <= 0 {
		cfg.InitialMS = defaultRetryInitialMS
	}
	if cfg.MaxMS <= 0 {
		cfg.MaxMS = defaultRetryMaxMS
	}
}

// validateConfig checks normalized config.
// Params: defaulted config.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		if strings.TrimSpace(cfg.HTTP.Listen) == "" {
			return errors.New("http.listen is required")
		}
		paths := map[string]string{
			"http.health_path":  cfg.HTTP.HealthPath,
			"http.ready_path":   cfg.HTTP.ReadyPath,
			"http.metrics_path": cfg.HTTP.MetricsPath,
		}
		names := make([]string, 0, len(paths))
		for name := range paths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !strings.HasPrefix(paths[name], "/") {
				return fmt.Errorf("%s must start with /", name)
			}
		}
	}

	if cfg.Service.Mode == ServiceModeNATS {
		nats := cfg.Backend.NATS
		if len(nats.URL) == 0 {
			return errors.New("backend.nats.url is required when service.mode=nats")
		}
		for i, url := range nats.URL {
			if url == "" {
				return fmt.Errorf("backend.nats.url[%d] is empty", i)
			}
		}
		if nats.DocsBucket == nats.SessionBucket {
			return errors.New("backend.nats.docs_bucket and session_bucket must differ")
		}
		if strings.ContainsAny(nats.FunctionPrefix, " *>") {
			return fmt.Errorf("backend.nats.function_prefix has unsupported value %q", nats.FunctionPrefix)
		}
	}

	if cfg.Store.MaxCascade < 2 {
		return errors.New("store.max_cascade must be >=2")
	}
	if cfg.Subscriptions.Retry.MaxRetries < 0 {
		return errors.New("subscriptions.retry.max_retries must be >=0")
	}
	switch cfg.Subscriptions.Retry.Backoff {
	case retry.BackoffLinear, retry.BackoffExponential:
	default:
		return fmt.Errorf("subscriptions.retry.backoff has unsupported value %q", cfg.Subscriptions.Retry.Backoff)
	}
	if cfg.Subscriptions.Retry.MaxMS < cfg.Subscriptions.Retry.InitialMS {
		return errors.New("subscriptions.retry.max_ms must be >= initial_ms")
	}
	if cfg.Subscriptions.Capacity < 2 {
		return errors.New("subscriptions.capacity must be >=2 to hold a team and its schedule")
	}

	if _, err := templatefmt.ParseTitleTemplate("ui.title_template", cfg.UI.TitleTemplate); err != nil {
		return fmt.Errorf("ui.title_template is invalid: %w", err)
	}
	return nil
}

// hasNATSBackendConfig reports whether fragment sets any NATS backend field.
// Params: NATS block from one fragment.
// Returns: true when at least one field is set.
func hasNATSBackendConfig(cfg NATSBackendConfig) bool {
	return len(cfg.URL) > 0 ||
		cfg.DocsBucket != "" ||
		cfg.SessionBucket != "" ||
		cfg.IdentityKey != "" ||
		cfg.FunctionPrefix != "" ||
		cfg.RequestTimeoutMS != 0 ||
		cfg.RequireExistingBuckets
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`nats` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeNATS
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
