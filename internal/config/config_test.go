package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"spectroscopy/internal/blob"
	"spectroscopy/internal/core"
	"spectroscopy/internal/infra/persistence"
)

func newFlags(t *testing.T) (*Config, *pflag.FlagSet) {
	t.Helper()
	var c Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(flags)
	return &c, flags
}

func TestLoadDefaults(t *testing.T) {
	c, flags := newFlags(t)
	if err := Load(viper.New(), flags, "SPECTRO_TEST_DEFAULTS"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.LockTimeout != persistence.DefaultLockTimeout || c.LogLevel != "info" || c.LogFormat != "text" {
		t.Fatalf("defaults %+v", c)
	}
	if _, ok := c.Archive(); ok {
		t.Fatal("archive enabled by default")
	}
	if c.Pedantic {
		t.Fatal("pedantic enabled by default")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "spectro.toml")
	content := "driver = \"bolt\"\nuser = \"from-file\"\ntag = [\"a\", \"b\"]\nlock-timeout = \"3s\"\npedantic = true\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPECTRO_USER", "from-env")
	c, flags := newFlags(t)
	if err := flags.Parse([]string{"--config", file, "--driver", "sqlite"}); err != nil {
		t.Fatal(err)
	}
	if err := Load(viper.New(), flags, "SPECTRO"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Driver != "sqlite" {
		t.Fatalf("flag must win, got %q", c.Driver)
	}
	if c.User != "from-env" {
		t.Fatalf("env must beat file, got %q", c.User)
	}
	if c.LockTimeout != 3*time.Second {
		t.Fatalf("lock timeout %s", c.LockTimeout)
	}
	if strings.Join(c.Tags, ",") != "a,b" {
		t.Fatalf("tags %v", c.Tags)
	}
	if !c.Pedantic {
		t.Fatal("pedantic from file ignored")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, flags := newFlags(t)
	if err := flags.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}); err != nil {
		t.Fatal(err)
	}
	if err := Load(viper.New(), flags, "SPECTRO_TEST_MISSING"); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestStorage(t *testing.T) {
	cfg, err := Config{Driver: "h5", LockTimeout: time.Second, PostgresDSN: "postgres://x"}.Storage()
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	if cfg.Driver != core.StorageBolt || cfg.PostgresDSN != "postgres://x" {
		t.Fatalf("storage %+v", cfg)
	}
	if _, err := (Config{Driver: "netcdf"}).Storage(); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := (Config{LockTimeout: -time.Second}).Storage(); err == nil {
		t.Fatal("expected negative timeout error")
	}
}

func TestArchive(t *testing.T) {
	if _, ok := (Config{ArchiveDriver: "none"}).Archive(); ok {
		t.Fatal("none must disable archiving")
	}
	cfg, ok := Config{ArchiveDriver: "s3", S3Bucket: "raw", S3PathStyle: true, S3Endpoint: "http://minio:9000"}.Archive()
	if !ok || cfg.Driver != blob.DriverS3 || cfg.S3.Bucket != "raw" || !cfg.S3.PathStyle {
		t.Fatalf("archive %+v", cfg)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := Config{LogLevel: "warn", LogFormat: "json"}.Logger(&buf)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("output %q", out)
	}
	if _, err := (Config{LogLevel: "loud"}).Logger(&buf); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := (Config{LogLevel: "info", LogFormat: "xml"}).Logger(&buf); err == nil {
		t.Fatal("expected format error")
	}
}
