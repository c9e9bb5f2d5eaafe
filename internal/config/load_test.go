package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
)

func writeYAML(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "preboot-oxide.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestLoadYAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, `
default:
  boot_file: bootx64.efi
tftp_server_dir: /srv/tftp
max_sessions: 42
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Set("conf", path); err != nil {
		t.Fatalf("Set conf: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Default.BootFile != "bootx64.efi" {
		t.Fatalf("BootFile = %q, want bootx64.efi", cfg.Default.BootFile)
	}
	if cfg.TFTPServerDir != "/srv/tftp" {
		t.Fatalf("TFTPServerDir = %q, want /srv/tftp", cfg.TFTPServerDir)
	}
	if cfg.MaxSessions != 42 {
		t.Fatalf("MaxSessions = %d, want 42", cfg.MaxSessions)
	}
}

func TestLoadFlagOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, `
default:
  boot_file: from-yaml.efi
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Set("conf", path); err != nil {
		t.Fatalf("Set conf: %v", err)
	}
	if err := fs.Set("boot-file", "from-flag.efi"); err != nil {
		t.Fatalf("Set boot-file: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Default.BootFile != "from-flag.efi" {
		t.Fatalf("BootFile = %q, want from-flag.efi (flag beats YAML)", cfg.Default.BootFile)
	}
}

func TestLoadEnvOnlyAppliesWhenUnset(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, `
default:
  boot_file: from-yaml.efi
`)

	t.Setenv("PO_BOOT_FILE", "from-env.efi")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Set("conf", path); err != nil {
		t.Fatalf("Set conf: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Default.BootFile != "from-yaml.efi" {
		t.Fatalf("BootFile = %q, want from-yaml.efi (YAML beats ENV)", cfg.Default.BootFile)
	}
}

func TestWatcherHotReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, `
default:
  boot_file: v1.efi
`)

	w, err := NewWatcher(logr.Discard(), path, true)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	got, err := w.Resolver().Resolve(Request{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.BootFile != "v1.efi" {
		t.Fatalf("BootFile = %q, want v1.efi", got.BootFile)
	}

	writeYAML(t, dir, `
default:
  boot_file: v2.efi
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := w.Resolver().Resolve(Request{})
		if err == nil && got.BootFile == "v2.efi" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("config file write was never observed by the watcher")
}
