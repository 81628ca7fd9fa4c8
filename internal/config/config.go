package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"smartcal/internal/cache"
	"smartcal/internal/habits"
	"smartcal/internal/model"
	"smartcal/internal/recommend"
)

const (
	defaultTimezone    = "Europe/Moscow"
	defaultCleanupCron = "0 * * * *"
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "qwen3:8b"
	defaultGeminiModel = "gemini-2.5-flash"
	envPrefix          = "SMARTCAL"
)

// ImportConfig controls normalization of raw calendar input.
type ImportConfig struct {
	ExpandRecurrence bool `yaml:"expand_recurrence" json:"expand_recurrence"`
	// HorizonDays bounds recurrence expansion when no day limit is set.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
	// DaysLimit is the window size around the current week. 0 keeps the
	// current week only; a negative value means unbounded.
	DaysLimit              int `yaml:"days_limit" json:"days_limit"`
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`
	// ICSCacheDir stores subscription bodies fetched by URL.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`
}

// ClassifierConfig selects and tunes the external classifier.
type ClassifierConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Provider is "ollama" or "gemini".
	Provider        string `yaml:"provider" json:"provider"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Model           string `yaml:"model" json:"model"`
	APIKey          string `yaml:"api_key" json:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	Concurrency     int    `yaml:"concurrency" json:"concurrency"`
	FallbackToRules bool   `yaml:"fallback_to_rules" json:"fallback_to_rules"`
}

func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type AnalysisConfig struct {
	Weeks         int `yaml:"weeks" json:"weeks"`
	MinSampleSize int `yaml:"min_sample_size" json:"min_sample_size"`
	// DefaultWindows maps a category to ["HH:MM", "HH:MM"].
	DefaultWindows map[string][]string `yaml:"default_windows" json:"default_windows"`
}

type WeightsConfig struct {
	TimePreference float64 `yaml:"time_preference" json:"time_preference"`
	NoConflicts    float64 `yaml:"no_conflicts" json:"no_conflicts"`
	WorkingHours   float64 `yaml:"working_hours" json:"working_hours"`
	Proximity      float64 `yaml:"proximity" json:"proximity"`
}

type RecommendConfig struct {
	SearchDays          int           `yaml:"search_days" json:"search_days"`
	MaxAlternatives     int           `yaml:"max_alternatives" json:"max_alternatives"`
	WorkDayStart        int           `yaml:"work_day_start" json:"work_day_start"`
	WorkDayEnd          int           `yaml:"work_day_end" json:"work_day_end"`
	BufferBeforeMinutes int           `yaml:"buffer_before_minutes" json:"buffer_before_minutes"`
	BufferAfterMinutes  int           `yaml:"buffer_after_minutes" json:"buffer_after_minutes"`
	MinLeadMinutes      int           `yaml:"min_lead_minutes" json:"min_lead_minutes"`
	Weights             WeightsConfig `yaml:"weights" json:"weights"`
}

// PolicyConfig is a per-stage cache lifetime in hours.
type PolicyConfig struct {
	MaxAgeHours  int `yaml:"max_age_hours" json:"max_age_hours"`
	ExpiresHours int `yaml:"expires_hours" json:"expires_hours"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Backend is "file" or "sqlite".
	Backend          string       `yaml:"backend" json:"backend"`
	Dir              string       `yaml:"dir" json:"dir"`
	SQLitePath       string       `yaml:"sqlite_path" json:"sqlite_path"`
	CleanupCron      string       `yaml:"cleanup_cron" json:"cleanup_cron"`
	MaxEntryAgeHours int          `yaml:"max_entry_age_hours" json:"max_entry_age_hours"`
	Import           PolicyConfig `yaml:"import" json:"import"`
	Enrich           PolicyConfig `yaml:"enrich" json:"enrich"`
	Analyze          PolicyConfig `yaml:"analyze" json:"analyze"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone used when a request does not name one.
	Timezone string `yaml:"timezone" json:"timezone"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Import     ImportConfig     `yaml:"import" json:"import"`
	Classifier ClassifierConfig `yaml:"classifier" json:"classifier"`
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Recommend  RecommendConfig  `yaml:"recommend" json:"recommend"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	rec := recommend.DefaultConfig()
	pol := cache.DefaultPolicies()
	return &Config{
		Timezone: defaultTimezone,
		LogLevel: "info",
		Import: ImportConfig{
			ExpandRecurrence:       true,
			HorizonDays:            30,
			DaysLimit:              14,
			MaxOccurrencesPerEvent: 5000,
			ICSCacheDir:            "./var/ics-cache",
		},
		Classifier: ClassifierConfig{
			Enabled:        false,
			Provider:       "ollama",
			Endpoint:       defaultOllamaURL,
			Model:          defaultOllamaModel,
			TimeoutSeconds: 60,
			Concurrency:    4,
		},
		Analysis: AnalysisConfig{
			Weeks:          2,
			MinSampleSize:  3,
			DefaultWindows: defaultWindows(),
		},
		Recommend: RecommendConfig{
			SearchDays:          7,
			MaxAlternatives:     3,
			WorkDayStart:        rec.WorkDayStart,
			WorkDayEnd:          rec.WorkDayEnd,
			BufferBeforeMinutes: int(rec.BufferBefore / time.Minute),
			BufferAfterMinutes:  int(rec.BufferAfter / time.Minute),
			MinLeadMinutes:      int(rec.MinLeadTime / time.Minute),
			Weights: WeightsConfig{
				TimePreference: rec.Weights.TimePreference,
				NoConflicts:    rec.Weights.NoConflicts,
				WorkingHours:   rec.Weights.WorkingHours,
				Proximity:      rec.Weights.Proximity,
			},
		},
		Cache: CacheConfig{
			Enabled:          true,
			Backend:          "file",
			Dir:              "./var/cache",
			SQLitePath:       "./var/cache/cache.db",
			CleanupCron:      defaultCleanupCron,
			MaxEntryAgeHours: 168,
			Import:           policyConfig(pol[cache.StageImport]),
			Enrich:           policyConfig(pol[cache.StageEnrich]),
			Analyze:          policyConfig(pol[cache.StageAnalyze]),
		},
	}
}

func defaultWindows() map[string][]string {
	out := make(map[string][]string)
	for c, w := range habits.DefaultWindows() {
		out[string(c)] = []string{w[0], w[1]}
	}
	return out
}

func policyConfig(p cache.Policy) PolicyConfig {
	return PolicyConfig{
		MaxAgeHours:  int(p.MaxAge / time.Hour),
		ExpiresHours: int(p.Expires / time.Hour),
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = def.Timezone
	} else if _, err := time.LoadLocation(c.Timezone); err != nil {
		c.Timezone = def.Timezone
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		c.LogLevel = def.LogLevel
	}

	if c.Import.HorizonDays <= 0 {
		c.Import.HorizonDays = def.Import.HorizonDays
	}
	if c.Import.DaysLimit < 0 {
		c.Import.DaysLimit = -1
	}
	if c.Import.MaxOccurrencesPerEvent <= 0 {
		c.Import.MaxOccurrencesPerEvent = def.Import.MaxOccurrencesPerEvent
	}
	if c.Import.ICSCacheDir == "" {
		c.Import.ICSCacheDir = def.Import.ICSCacheDir
	}

	switch c.Classifier.Provider {
	case "ollama":
		if c.Classifier.Endpoint == "" {
			c.Classifier.Endpoint = defaultOllamaURL
		}
		if c.Classifier.Model == "" {
			c.Classifier.Model = defaultOllamaModel
		}
	case "gemini":
		if c.Classifier.Model == "" {
			c.Classifier.Model = defaultGeminiModel
		}
	default:
		c.Classifier.Provider = "ollama"
		c.Classifier.Endpoint = defaultOllamaURL
		c.Classifier.Model = defaultOllamaModel
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = def.Classifier.TimeoutSeconds
	}
	if c.Classifier.Concurrency <= 0 {
		c.Classifier.Concurrency = def.Classifier.Concurrency
	}

	if c.Analysis.Weeks <= 0 {
		c.Analysis.Weeks = def.Analysis.Weeks
	}
	if c.Analysis.MinSampleSize <= 0 {
		c.Analysis.MinSampleSize = def.Analysis.MinSampleSize
	}
	if c.Analysis.DefaultWindows == nil {
		c.Analysis.DefaultWindows = def.Analysis.DefaultWindows
	}

	r := &c.Recommend
	if r.SearchDays <= 0 {
		r.SearchDays = def.Recommend.SearchDays
	}
	if r.MaxAlternatives < 0 {
		r.MaxAlternatives = def.Recommend.MaxAlternatives
	}
	if r.WorkDayStart < 0 || r.WorkDayEnd > 24 || r.WorkDayEnd <= r.WorkDayStart {
		r.WorkDayStart, r.WorkDayEnd = def.Recommend.WorkDayStart, def.Recommend.WorkDayEnd
	}
	if r.BufferBeforeMinutes < 0 {
		r.BufferBeforeMinutes = def.Recommend.BufferBeforeMinutes
	}
	if r.BufferAfterMinutes < 0 {
		r.BufferAfterMinutes = def.Recommend.BufferAfterMinutes
	}
	if r.MinLeadMinutes < 0 {
		r.MinLeadMinutes = def.Recommend.MinLeadMinutes
	}
	if r.Weights == (WeightsConfig{}) {
		r.Weights = def.Recommend.Weights
	}

	switch c.Cache.Backend {
	case "file", "sqlite":
	default:
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = def.Cache.Dir
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = filepath.Join(c.Cache.Dir, "cache.db")
	}
	if _, err := cron.ParseStandard(c.Cache.CleanupCron); err != nil {
		c.Cache.CleanupCron = defaultCleanupCron
	}
	if c.Cache.MaxEntryAgeHours <= 0 {
		c.Cache.MaxEntryAgeHours = def.Cache.MaxEntryAgeHours
	}
	if c.Cache.Import == (PolicyConfig{}) {
		c.Cache.Import = def.Cache.Import
	}
	if c.Cache.Enrich == (PolicyConfig{}) {
		c.Cache.Enrich = def.Cache.Enrich
	}
	if c.Cache.Analyze == (PolicyConfig{}) {
		c.Cache.Analyze = def.Cache.Analyze
	}
}

// RecommendEngineConfig converts the recommend section into engine settings.
func (c *Config) RecommendEngineConfig() recommend.Config {
	r := c.Recommend
	return recommend.Config{
		WorkDayStart: r.WorkDayStart,
		WorkDayEnd:   r.WorkDayEnd,
		BufferBefore: time.Duration(r.BufferBeforeMinutes) * time.Minute,
		BufferAfter:  time.Duration(r.BufferAfterMinutes) * time.Minute,
		MinLeadTime:  time.Duration(r.MinLeadMinutes) * time.Minute,
		Weights: recommend.Weights{
			TimePreference: r.Weights.TimePreference,
			NoConflicts:    r.Weights.NoConflicts,
			WorkingHours:   r.Weights.WorkingHours,
			Proximity:      r.Weights.Proximity,
		},
	}
}

// HabitWindows converts configured default windows, skipping unknown
// categories and malformed pairs.
func (c *Config) HabitWindows() map[model.Category][2]string {
	out := make(map[model.Category][2]string, len(c.Analysis.DefaultWindows))
	for name, w := range c.Analysis.DefaultWindows {
		cat, err := model.ParseCategory(name)
		if err != nil || len(w) != 2 {
			continue
		}
		out[cat] = [2]string{w[0], w[1]}
	}
	return out
}

// CachePolicies converts the per-stage cache lifetimes.
func (c *Config) CachePolicies() map[cache.Stage]cache.Policy {
	conv := func(p PolicyConfig) cache.Policy {
		return cache.Policy{
			MaxAge:  time.Duration(p.MaxAgeHours) * time.Hour,
			Expires: time.Duration(p.ExpiresHours) * time.Hour,
		}
	}
	return map[cache.Stage]cache.Policy{
		cache.StageImport:  conv(c.Cache.Import),
		cache.StageEnrich:  conv(c.Cache.Enrich),
		cache.StageAnalyze: conv(c.Cache.Analyze),
	}
}

func (c *Config) MaxEntryAge() time.Duration {
	return time.Duration(c.Cache.MaxEntryAgeHours) * time.Hour
}

// ApplyEnv overrides selected fields from SMARTCAL_* environment variables
// and re-normalizes.
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	_ = v.BindEnv("timezone", "SMARTCAL_TIMEZONE")
	_ = v.BindEnv("log_level", "SMARTCAL_LOG_LEVEL")
	_ = v.BindEnv("classifier_enabled", "SMARTCAL_CLASSIFIER_ENABLED")
	_ = v.BindEnv("classifier_provider", "SMARTCAL_CLASSIFIER_PROVIDER")
	_ = v.BindEnv("classifier_endpoint", "SMARTCAL_CLASSIFIER_ENDPOINT")
	_ = v.BindEnv("classifier_model", "SMARTCAL_CLASSIFIER_MODEL")
	_ = v.BindEnv("classifier_api_key", "SMARTCAL_CLASSIFIER_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("cache_backend", "SMARTCAL_CACHE_BACKEND")
	_ = v.BindEnv("cache_dir", "SMARTCAL_CACHE_DIR")

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := strings.TrimSpace(v.GetString(key)); s != "" {
				*dst = s
			}
		}
	}

	setString("timezone", &c.Timezone)
	setString("log_level", &c.LogLevel)
	if v.IsSet("classifier_enabled") {
		c.Classifier.Enabled = v.GetBool("classifier_enabled")
	}
	setString("classifier_provider", &c.Classifier.Provider)
	setString("classifier_endpoint", &c.Classifier.Endpoint)
	setString("classifier_model", &c.Classifier.Model)
	setString("classifier_api_key", &c.Classifier.APIKey)
	setString("cache_backend", &c.Cache.Backend)
	if v.IsSet("cache_dir") {
		if dir := strings.TrimSpace(v.GetString("cache_dir")); dir != "" {
			c.Cache.Dir = dir
			c.Cache.SQLitePath = filepath.Join(dir, "cache.db")
		}
	}

	c.Normalize()
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Start from defaults so omitted booleans keep their default values.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".smartcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
