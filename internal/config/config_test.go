package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg := LoadFrom(envMap(map[string]string{targetChannelsEnv: "durov"}))

	if cfg.Archive.InitialFetchLimit != 1000 || cfg.Archive.BackfillLimit != 1000 {
		t.Fatalf("unexpected limits: %+v", cfg.Archive)
	}
	if cfg.Archive.MonitorInterval != 120*time.Second || cfg.Archive.BackfillInterval != 6*time.Hour {
		t.Fatalf("unexpected intervals: %v %v", cfg.Archive.MonitorInterval, cfg.Archive.BackfillInterval)
	}
	if cfg.Archive.DataDir != "data" || cfg.Upstream.Kind != UpstreamTelegramPreview {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Archive.Location().String() != "UTC" {
		t.Fatalf("unexpected location: %v", cfg.Archive.Location())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with one channel must validate: %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archiver.yaml")
	yamlDoc := `
logging:
  level: warn
archive:
  dataDir: /var/lib/archive
  sources: [fromfile]
  initialFetchLimit: 50
  backfillLimit: 0
  monitorInterval: 30s
  timezone: Europe/Moscow
upstream:
  kind: desktop-export
  exportDir: /exports
  sources:
    live: telegram-preview
catalog:
  dsn: sqlite:///tmp/catalog.db
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFrom(envMap(map[string]string{
		configPathEnv:        path,
		targetChannelsEnv:    " @alpha, beta ,alpha,, ",
		backfillIntervalEnv:  "60",
		initialFetchLimitEnv: "0",
		logFormatEnv:         "json",
		logFileEnv:           "/var/log/archiver.log",
	}))

	if diff := cmp.Diff([]string{"alpha", "beta"}, cfg.Archive.Sources); diff != "" {
		t.Fatalf("env channels must win (-want +got):\n%s", diff)
	}
	if cfg.Archive.InitialFetchLimit != 0 {
		t.Fatalf("env must be able to set an unbounded initial fetch, got %d", cfg.Archive.InitialFetchLimit)
	}
	if cfg.Archive.BackfillLimit != 0 || cfg.Archive.MonitorInterval != 30*time.Second {
		t.Fatalf("yaml values lost: %+v", cfg.Archive)
	}
	if cfg.Archive.BackfillInterval != time.Minute {
		t.Fatalf("unexpected backfill interval: %v", cfg.Archive.BackfillInterval)
	}
	if cfg.Archive.DataDir != "/var/lib/archive" || cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected merged config: %+v", cfg)
	}
	if cfg.Logging.File != "/var/log/archiver.log" || cfg.Logging.MaxSizeMB != 10 || cfg.Logging.MaxBackups != 5 {
		t.Fatalf("unexpected log file settings: %+v", cfg.Logging)
	}
	if cfg.Archive.MaxGapSpan != 5_000_000 {
		t.Fatalf("defaults missing from the file must survive: %d", cfg.Archive.MaxGapSpan)
	}
	if cfg.Upstream.Sources["live"] != UpstreamTelegramPreview || cfg.Catalog.DSN != "sqlite:///tmp/catalog.db" {
		t.Fatalf("unexpected upstream/catalog: %+v %+v", cfg.Upstream, cfg.Catalog)
	}
	if cfg.Archive.Location().String() != "Europe/Moscow" {
		t.Fatalf("unexpected location: %v", cfg.Archive.Location())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	cfg := LoadFrom(envMap(map[string]string{
		targetChannelsEnv:  "../etc",
		monitorIntervalEnv: "soon",
		backfillLimitEnv:   "-5",
		upstreamKindEnv:    "desktop-export",
	}))

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"invalid channel name", "MONITOR_INTERVAL", "backfill limit", "EXPORT_DIR"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem mentioning %q in:\n%s", want, joined)
		}
	}
}

func TestValidateRequiresChannels(t *testing.T) {
	t.Parallel()

	err := LoadFrom(envMap(nil)).Validate()
	if err == nil || !strings.Contains(err.Error(), targetChannelsEnv) {
		t.Fatalf("expected missing channels error, got %v", err)
	}
}
