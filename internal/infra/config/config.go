package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const (
	gb = int64(1024 * 1024 * 1024)
	mb = int64(1024 * 1024)
)

// Resume modes decide which input records a new run may skip.
const (
	ResumeSkipCompleted    = "skip_completed"
	ResumeSkipIfHasObjects = "skip_if_has_objects"
	ResumeFromCSV          = "resume_from_csv"
	ResumeReprocessAll     = "reprocess_all"
)

// SSL error policies for a provider's network section.
const (
	SSLPolicyFail              = "fail"
	SSLPolicyRetryInsecureOnce = "retry_insecure_once"
)

type Config struct {
	General          GeneralConfig               `mapstructure:"general" yaml:"general"`
	Providers        map[string]bool             `mapstructure:"providers" yaml:"providers"`
	ProviderSettings map[string]ProviderSettings `mapstructure:"provider_settings" yaml:"provider_settings"`
	Download         DownloadConfig              `mapstructure:"download" yaml:"download"`
	DownloadLimits   LimitsConfig                `mapstructure:"download_limits" yaml:"download_limits"`
	Selection        SelectionConfig             `mapstructure:"selection" yaml:"selection"`
	Naming           NamingConfig                `mapstructure:"naming" yaml:"naming"`
	Log              LogConfig                   `mapstructure:"log" yaml:"log"`
}

type GeneralConfig struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// StateFile defaults to <output_dir>/.downloader_state.json when empty.
	StateFile string `mapstructure:"state_file" yaml:"state_file"`

	DeferredPollS         int     `mapstructure:"deferred_poll_s" yaml:"deferred_poll_s"`
	DeferredRetentionDays int     `mapstructure:"deferred_retention_days" yaml:"deferred_retention_days"`
	GlobalRPS             float64 `mapstructure:"global_rps" yaml:"global_rps"`
	UserAgent             string  `mapstructure:"user_agent" yaml:"user_agent"`
}

type NetworkConfig struct {
	DelayMS           int               `mapstructure:"delay_ms" yaml:"delay_ms"`
	JitterMS          int               `mapstructure:"jitter_ms" yaml:"jitter_ms"`
	MaxAttempts       int               `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoffS      float64           `mapstructure:"base_backoff_s" yaml:"base_backoff_s"`
	BackoffMultiplier float64           `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoffS       float64           `mapstructure:"max_backoff_s" yaml:"max_backoff_s"`
	TimeoutS          float64           `mapstructure:"timeout_s" yaml:"timeout_s"`
	BreakerEnabled    *bool             `mapstructure:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	BreakerThreshold  int               `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	BreakerCooldownS  float64           `mapstructure:"circuit_breaker_cooldown_s" yaml:"circuit_breaker_cooldown_s"`
	SSLErrorPolicy    string            `mapstructure:"ssl_error_policy" yaml:"ssl_error_policy"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
}

// CircuitBreakerEnabled resolves the tri-state flag; the breaker is on
// unless explicitly disabled.
func (n NetworkConfig) CircuitBreakerEnabled() bool {
	return n.BreakerEnabled == nil || *n.BreakerEnabled
}

type QuotaConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	DailyLimit int     `mapstructure:"daily_limit" yaml:"daily_limit"`
	ResetHours float64 `mapstructure:"reset_hours" yaml:"reset_hours"`
	WaitFlag   *bool   `mapstructure:"wait_for_reset" yaml:"wait_for_reset"`
}

// WaitForReset defaults to true: exhausted quotas defer rather than fall back.
func (q QuotaConfig) WaitForReset() bool {
	return q.WaitFlag == nil || *q.WaitFlag
}

type ProviderSettings struct {
	Network    NetworkConfig `mapstructure:"network" yaml:"network"`
	Quota      QuotaConfig   `mapstructure:"quota" yaml:"quota"`
	MaxResults int           `mapstructure:"max_results" yaml:"max_results"`
	MaxPages   int           `mapstructure:"max_pages" yaml:"max_pages"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
}

type DownloadConfig struct {
	ResumeMode                 string         `mapstructure:"resume_mode" yaml:"resume_mode"`
	PreferPDFOverImages        bool           `mapstructure:"prefer_pdf_over_images" yaml:"prefer_pdf_over_images"`
	DownloadManifestRenderings bool           `mapstructure:"download_manifest_renderings" yaml:"download_manifest_renderings"`
	MaxRenderingsPerManifest   int            `mapstructure:"max_renderings_per_manifest" yaml:"max_renderings_per_manifest"`
	RenderingMIMEWhitelist     []string       `mapstructure:"rendering_mime_whitelist" yaml:"rendering_mime_whitelist"`
	OverwriteExisting          bool           `mapstructure:"overwrite_existing" yaml:"overwrite_existing"`
	IncludeMetadata            bool           `mapstructure:"include_metadata" yaml:"include_metadata"`
	AllowedObjectExtensions    []string       `mapstructure:"allowed_object_extensions" yaml:"allowed_object_extensions"`
	MaxParallelDownloads       int            `mapstructure:"max_parallel_downloads" yaml:"max_parallel_downloads"`
	ProviderConcurrency        map[string]int `mapstructure:"provider_concurrency" yaml:"provider_concurrency"`
	WorkerTimeoutS             int            `mapstructure:"worker_timeout_s" yaml:"worker_timeout_s"`
	MaxPages                   int            `mapstructure:"max_pages" yaml:"max_pages"`
}

// ConcurrencyFor returns the per-provider admission width, falling back to
// the "default" entry.
func (d DownloadConfig) ConcurrencyFor(providerKey string) int {
	if n, ok := d.ProviderConcurrency[providerKey]; ok && n > 0 {
		return n
	}
	if n, ok := d.ProviderConcurrency["default"]; ok && n > 0 {
		return n
	}
	return 2
}

type LimitsConfig struct {
	Total    TotalLimits   `mapstructure:"total" yaml:"total"`
	PerWork  PerWorkLimits `mapstructure:"per_work" yaml:"per_work"`
	OnExceed string        `mapstructure:"on_exceed" yaml:"on_exceed"`
}

type TotalLimits struct {
	ImagesGB   float64 `mapstructure:"images_gb" yaml:"images_gb"`
	PDFsGB     float64 `mapstructure:"pdfs_gb" yaml:"pdfs_gb"`
	MetadataGB float64 `mapstructure:"metadata_gb" yaml:"metadata_gb"`
}

type PerWorkLimits struct {
	ImagesGB   float64 `mapstructure:"images_gb" yaml:"images_gb"`
	PDFsGB     float64 `mapstructure:"pdfs_gb" yaml:"pdfs_gb"`
	MetadataMB float64 `mapstructure:"metadata_mb" yaml:"metadata_mb"`
}

// Normalized converts the configured GB/MB values to byte limits keyed by
// content class (pdf, image, metadata). Zero means unlimited.
func (l LimitsConfig) Normalized() (total, perWork map[string]int64) {
	total = map[string]int64{
		"pdf":      gbToBytes(l.Total.PDFsGB),
		"image":    gbToBytes(l.Total.ImagesGB),
		"metadata": gbToBytes(l.Total.MetadataGB),
	}
	perWork = map[string]int64{
		"pdf":      gbToBytes(l.PerWork.PDFsGB),
		"image":    gbToBytes(l.PerWork.ImagesGB),
		"metadata": mbToBytes(l.PerWork.MetadataMB),
	}
	return total, perWork
}

type SelectionConfig struct {
	Strategy                 string   `mapstructure:"strategy" yaml:"strategy"`
	MinTitleScore            float64  `mapstructure:"min_title_score" yaml:"min_title_score"`
	CreatorWeight            float64  `mapstructure:"creator_weight" yaml:"creator_weight"`
	ProviderHierarchy        []string `mapstructure:"provider_hierarchy" yaml:"provider_hierarchy"`
	MaxParallelSearches      int      `mapstructure:"max_parallel_searches" yaml:"max_parallel_searches"`
	MaxCandidatesPerProvider int      `mapstructure:"max_candidates_per_provider" yaml:"max_candidates_per_provider"`
}

type NamingConfig struct {
	IncludeCreatorInWorkDir bool `mapstructure:"include_creator_in_work_dir" yaml:"include_creator_in_work_dir"`
	IncludeYearInWorkDir    bool `mapstructure:"include_year_in_work_dir" yaml:"include_year_in_work_dir"`
	TitleSlugMaxLen         int  `mapstructure:"title_slug_max_len" yaml:"title_slug_max_len"`
	CreatorSlugMaxLen       int  `mapstructure:"creator_slug_max_len" yaml:"creator_slug_max_len"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// Load reads the configuration file, applies environment overrides with the
// CHRONOFETCH prefix, and validates the result. An empty path falls back to
// the CHRONOFETCH_CONFIG variable then to config.yaml in the working
// directory; a missing file is fine, defaults apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CHRONOFETCH_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if strings.EqualFold(filepath.Ext(path), ".json") {
			v.SetConfigType("json")
		} else {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Support Environment Variables
	v.SetEnvPrefix("CHRONOFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.output_dir", "downloaded_works")
	v.SetDefault("general.deferred_poll_s", 30)
	v.SetDefault("general.deferred_retention_days", 7)
	v.SetDefault("general.user_agent", "ChronoFetch/1.0")

	v.SetDefault("download.resume_mode", "skip_completed")
	v.SetDefault("download.prefer_pdf_over_images", true)
	v.SetDefault("download.download_manifest_renderings", true)
	v.SetDefault("download.max_renderings_per_manifest", 1)
	v.SetDefault("download.rendering_mime_whitelist", []string{"application/pdf", "application/epub+zip"})
	v.SetDefault("download.include_metadata", true)
	v.SetDefault("download.max_parallel_downloads", 4)
	v.SetDefault("download.worker_timeout_s", 600)

	v.SetDefault("download_limits.on_exceed", "skip")

	v.SetDefault("selection.strategy", "collect_and_select")
	v.SetDefault("selection.min_title_score", 85)
	v.SetDefault("selection.creator_weight", 0.2)
	v.SetDefault("selection.max_parallel_searches", 3)
	v.SetDefault("selection.max_candidates_per_provider", 5)

	v.SetDefault("naming.include_creator_in_work_dir", true)
	v.SetDefault("naming.include_year_in_work_dir", true)
	v.SetDefault("naming.title_slug_max_len", 80)
	v.SetDefault("naming.creator_slug_max_len", 40)

	v.SetDefault("log.path", "chronofetch.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
}

func (c *Config) validate() error {
	switch c.Download.ResumeMode {
	case ResumeSkipCompleted, ResumeSkipIfHasObjects, ResumeFromCSV, ResumeReprocessAll:
	default:
		return fmt.Errorf("download.resume_mode: unknown mode %q", c.Download.ResumeMode)
	}

	switch c.DownloadLimits.OnExceed {
	case "", "skip":
		c.DownloadLimits.OnExceed = "skip"
	case "stop":
	default:
		return fmt.Errorf("download_limits.on_exceed must be skip or stop, got %q", c.DownloadLimits.OnExceed)
	}

	switch c.Selection.Strategy {
	case "collect_and_select", "sequential_first_hit":
	default:
		return fmt.Errorf("selection.strategy: unknown strategy %q", c.Selection.Strategy)
	}

	if c.Selection.MinTitleScore < 0 || c.Selection.MinTitleScore > 100 {
		return fmt.Errorf("selection.min_title_score must be within 0..100, got %v", c.Selection.MinTitleScore)
	}

	// Clamp rather than reject: a weight outside 0..1 is always a typo for
	// its nearest bound.
	if c.Selection.CreatorWeight < 0 {
		c.Selection.CreatorWeight = 0
	}
	if c.Selection.CreatorWeight > 1 {
		c.Selection.CreatorWeight = 1
	}

	if c.Download.MaxParallelDownloads <= 0 {
		c.Download.MaxParallelDownloads = 4
	}
	if c.Download.WorkerTimeoutS <= 0 {
		c.Download.WorkerTimeoutS = 600
	}
	if c.Download.MaxRenderingsPerManifest <= 0 {
		c.Download.MaxRenderingsPerManifest = 1
	}
	if c.Selection.MaxParallelSearches <= 0 {
		c.Selection.MaxParallelSearches = 3
	}
	if c.Selection.MaxCandidatesPerProvider <= 0 {
		c.Selection.MaxCandidatesPerProvider = 5
	}
	if c.General.DeferredPollS <= 0 {
		c.General.DeferredPollS = 30
	}
	if c.General.DeferredRetentionDays <= 0 {
		c.General.DeferredRetentionDays = 7
	}
	if c.General.StateFile == "" {
		c.General.StateFile = filepath.Join(c.General.OutputDir, ".downloader_state.json")
	}

	if err := c.validateLimits(); err != nil {
		return err
	}

	for key, ps := range c.ProviderSettings {
		ps.Network = ps.Network.withDefaults()
		switch ps.Network.SSLErrorPolicy {
		case SSLPolicyFail, SSLPolicyRetryInsecureOnce:
		default:
			return fmt.Errorf("provider_settings.%s.network.ssl_error_policy must be %q or %q, got %q",
				key, SSLPolicyFail, SSLPolicyRetryInsecureOnce, ps.Network.SSLErrorPolicy)
		}
		if ps.Quota.ResetHours <= 0 {
			ps.Quota.ResetHours = 24
		}
		if ps.MaxResults <= 0 {
			ps.MaxResults = 5
		}
		c.ProviderSettings[key] = ps
	}

	return nil
}

// validateLimits rejects a per-work cap that is larger than the total cap of
// the same content class. That configuration can never bind and is always a
// units mistake.
func (c *Config) validateLimits() error {
	total, perWork := c.DownloadLimits.Normalized()
	for _, class := range []string{"pdf", "image", "metadata"} {
		t, w := total[class], perWork[class]
		if t > 0 && w > 0 && w > t {
			return fmt.Errorf("download_limits: per_work %s limit (%d bytes) exceeds total limit (%d bytes)", class, w, t)
		}
	}
	return nil
}

func (n NetworkConfig) withDefaults() NetworkConfig {
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 5
	}
	if n.BaseBackoffS <= 0 {
		n.BaseBackoffS = 1.5
	}
	if n.BackoffMultiplier <= 0 {
		n.BackoffMultiplier = 1.5
	}
	if n.MaxBackoffS <= 0 {
		n.MaxBackoffS = 60
	}
	if n.TimeoutS <= 0 {
		n.TimeoutS = 30
	}
	if n.BreakerThreshold <= 0 {
		n.BreakerThreshold = 5
	}
	if n.BreakerCooldownS <= 0 {
		n.BreakerCooldownS = 60
	}
	if n.SSLErrorPolicy == "" {
		n.SSLErrorPolicy = SSLPolicyFail
	}
	if n.Headers == nil {
		n.Headers = map[string]string{}
	}
	return n
}

// Provider returns the settings for a provider key, fully defaulted even
// when the key never appears in the file.
func (c *Config) Provider(key string) ProviderSettings {
	ps, ok := c.ProviderSettings[key]
	if !ok {
		ps = ProviderSettings{}
	}
	ps.Network = ps.Network.withDefaults()
	if ps.Quota.ResetHours <= 0 {
		ps.Quota.ResetHours = 24
	}
	if ps.MaxResults <= 0 {
		ps.MaxResults = 5
	}
	return ps
}

// EnabledProviders lists providers switched on in the providers section,
// ordered by the selection hierarchy with unlisted ones after it.
func (c *Config) EnabledProviders() []string {
	var keys []string
	for key, on := range c.Providers {
		if on {
			keys = append(keys, key)
		}
	}

	pos := make(map[string]int, len(c.Selection.ProviderHierarchy))
	for i, key := range c.Selection.ProviderHierarchy {
		pos[key] = i
	}
	rank := func(key string) int {
		if i, ok := pos[key]; ok {
			return i
		}
		return len(pos) + 1
	}

	sort.Slice(keys, func(i, j int) bool {
		if rank(keys[i]) != rank(keys[j]) {
			return rank(keys[i]) < rank(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func gbToBytes(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v * float64(gb))
}

func mbToBytes(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v * float64(mb))
}
