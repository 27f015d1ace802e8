package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"

	configPathEnv        = "ARCHIVER_CONFIG"
	targetChannelsEnv    = "TARGET_CHANNELS"
	initialFetchLimitEnv = "INITIAL_FETCH_LIMIT"
	backfillLimitEnv     = "BACKFILL_LIMIT"
	monitorIntervalEnv   = "MONITOR_INTERVAL"
	backfillIntervalEnv  = "BACKFILL_INTERVAL"
	gapCheckIntervalEnv  = "GAP_CHECK_INTERVAL"
	dataDirEnv           = "DATA_DIR"
	timezoneEnv          = "ARCHIVER_TIMEZONE"
	logLevelEnv          = "LOG_LEVEL"
	logFormatEnv         = "LOG_FORMAT"
	logFileEnv           = "LOG_FILE"
	upstreamKindEnv      = "UPSTREAM_KIND"
	upstreamBaseURLEnv   = "UPSTREAM_BASE_URL"
	upstreamRPSEnv       = "UPSTREAM_RPS"
	exportDirEnv         = "EXPORT_DIR"
	catalogDSNEnv        = "CATALOG_DSN"
	statusAddrEnv        = "STATUS_ADDR"
)

// Upstream kinds understood by the application.
const (
	UpstreamTelegramPreview = "telegram-preview"
	UpstreamDesktopExport   = "desktop-export"
)

var sourceNameExpr = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Config holds high-level settings required across the application.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Status   StatusConfig   `yaml:"status"`

	loadProblems []string
}

// LoggingConfig selects the log level and handler format (text or json).
// File, when set, receives a copy of every record and is rotated once it
// grows past MaxSizeMB.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// ArchiveConfig defines what is archived, where and how often.
type ArchiveConfig struct {
	DataDir           string         `yaml:"dataDir"`
	Sources           []string       `yaml:"sources"`
	InitialFetchLimit int            `yaml:"initialFetchLimit"`
	BackfillLimit     int            `yaml:"backfillLimit"`
	MonitorInterval   time.Duration  `yaml:"monitorInterval"`
	BackfillInterval  time.Duration  `yaml:"backfillInterval"`
	GapCheckInterval  time.Duration  `yaml:"gapCheckInterval"`
	MaxGapSpan        int64          `yaml:"maxGapSpan"`
	Timezone          string         `yaml:"timezone"`
	location          *time.Location `yaml:"-"`
}

// Location resolves the archive timezone string to a time.Location.
func (a ArchiveConfig) Location() *time.Location {
	if a.location != nil {
		return a.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// UpstreamConfig describes how channel history is read.
type UpstreamConfig struct {
	Kind              string            `yaml:"kind"`
	BaseURL           string            `yaml:"baseUrl"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Burst             int               `yaml:"burst"`
	UserAgent         string            `yaml:"userAgent"`
	Timeout           time.Duration     `yaml:"timeout"`
	ExportDir         string            `yaml:"exportDir"`
	Sources           map[string]string `yaml:"sources"`
}

// CatalogConfig points at the optional SQL catalog.
type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

// StatusConfig configures the read-only status endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// ValidationError lists every configuration problem found at startup.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(getenv func(string) string) Config {
	cfg := defaultConfig()

	if path := getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
			cfg.loadProblems = append(cfg.loadProblems, fmt.Sprintf("cannot read %s: %v", path, err))
		} else {
			fileCfg := cfg
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
				cfg.loadProblems = append(cfg.loadProblems, fmt.Sprintf("cannot parse %s: %v", path, err))
			} else {
				cfg = fileCfg
			}
		}
	}

	cfg.applyEnvOverrides(getenv)
	cfg.Archive.Sources = normalizeSources(cfg.Archive.Sources)
	cfg.bindTimezone()

	return cfg
}

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := getenv(targetChannelsEnv); v != "" {
		c.Archive.Sources = strings.Split(v, ",")
	}
	if v := getenv(dataDirEnv); v != "" {
		c.Archive.DataDir = v
	}
	if v := getenv(timezoneEnv); v != "" {
		c.Archive.Timezone = v
	}

	c.intEnv(getenv, initialFetchLimitEnv, &c.Archive.InitialFetchLimit)
	c.intEnv(getenv, backfillLimitEnv, &c.Archive.BackfillLimit)
	c.secondsEnv(getenv, monitorIntervalEnv, &c.Archive.MonitorInterval)
	c.secondsEnv(getenv, backfillIntervalEnv, &c.Archive.BackfillInterval)
	c.secondsEnv(getenv, gapCheckIntervalEnv, &c.Archive.GapCheckInterval)

	if v := getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := getenv(logFormatEnv); v != "" {
		c.Logging.Format = v
	}
	if v := getenv(logFileEnv); v != "" {
		c.Logging.File = v
	}

	if v := getenv(upstreamKindEnv); v != "" {
		c.Upstream.Kind = v
	}
	if v := getenv(upstreamBaseURLEnv); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := getenv(upstreamRPSEnv); v != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			c.loadProblems = append(c.loadProblems, fmt.Sprintf("%s: %q is not a number", upstreamRPSEnv, v))
		} else {
			c.Upstream.RequestsPerSecond = rps
		}
	}
	if v := getenv(exportDirEnv); v != "" {
		c.Upstream.ExportDir = v
	}

	if v := getenv(catalogDSNEnv); v != "" {
		c.Catalog.DSN = v
	}
	if v := getenv(statusAddrEnv); v != "" {
		c.Status.Addr = v
	}
}

func (c *Config) intEnv(getenv func(string) string, key string, dst *int) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.loadProblems = append(c.loadProblems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

// secondsEnv accepts a plain number of seconds or a Go duration string.
func (c *Config) secondsEnv(getenv func(string) string, key string, dst *time.Duration) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.loadProblems = append(c.loadProblems, fmt.Sprintf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

func (c *Config) bindTimezone() {
	tz := c.Archive.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Archive.location = loc
}

// normalizeSources trims names, drops a leading @ and duplicates.
func normalizeSources(raw []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, name := range raw {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Validate reports every problem that prevents the archiver from starting.
func (c Config) Validate() error {
	problems := append([]string(nil), c.loadProblems...)

	if len(c.Archive.Sources) == 0 {
		problems = append(problems, targetChannelsEnv+" must name at least one channel")
	}
	for _, source := range c.Archive.Sources {
		if !sourceNameExpr.MatchString(source) || source == ".." {
			problems = append(problems, fmt.Sprintf("invalid channel name %q", source))
		}
	}
	if c.Archive.DataDir == "" {
		problems = append(problems, "data directory must be set")
	}
	if c.Archive.InitialFetchLimit < 0 {
		problems = append(problems, "initial fetch limit must not be negative")
	}
	if c.Archive.BackfillLimit < 0 {
		problems = append(problems, "backfill limit must not be negative")
	}
	if c.Archive.MonitorInterval <= 0 {
		problems = append(problems, "monitor interval must be positive")
	}
	if c.Archive.BackfillInterval <= 0 {
		problems = append(problems, "backfill interval must be positive")
	}
	if c.Archive.GapCheckInterval < 0 {
		problems = append(problems, "gap check interval must not be negative")
	}
	if c.Archive.MaxGapSpan < 0 {
		problems = append(problems, "max gap span must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		problems = append(problems, "log rotation size and backups must not be negative")
	}

	kinds := map[string]struct{}{c.Upstream.Kind: {}}
	for source, kind := range c.Upstream.Sources {
		kinds[kind] = struct{}{}
		if !sourceNameExpr.MatchString(source) {
			problems = append(problems, fmt.Sprintf("invalid channel name %q in upstream overrides", source))
		}
	}
	for kind := range kinds {
		switch kind {
		case UpstreamTelegramPreview:
		case UpstreamDesktopExport:
			if c.Upstream.ExportDir == "" {
				problems = append(problems, "desktop-export upstream needs "+exportDirEnv)
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown upstream kind %q", kind))
		}
	}
	if c.Upstream.RequestsPerSecond < 0 {
		problems = append(problems, "upstream requests per second must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text", MaxSizeMB: 10, MaxBackups: 5},
		Archive: ArchiveConfig{
			DataDir:           "data",
			InitialFetchLimit: 1000,
			BackfillLimit:     1000,
			MonitorInterval:   120 * time.Second,
			BackfillInterval:  21600 * time.Second,
			MaxGapSpan:        5_000_000,
			Timezone:          defaultTimezone,
			location:          tz,
		},
		Upstream: UpstreamConfig{
			Kind:              UpstreamTelegramPreview,
			BaseURL:           "https://t.me",
			RequestsPerSecond: 1,
			Burst:             1,
			UserAgent:         "ChannelArchiver/1.0",
			Timeout:           20 * time.Second,
		},
	}
}
