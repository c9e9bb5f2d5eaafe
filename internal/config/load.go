package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for every recognized environment variable
// (spec.md §6: PO_TFTP_SERVER_DIR_PATH, PO_BOOT_FILE, ...).
const envPrefix = "PO"

// defaultConfigPath is $HOME/.config/preboot-oxide/preboot-oxide.yaml,
// overridable by PO_CONF_PATH (spec.md §6).
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".config", "preboot-oxide", "preboot-oxide.yaml")
}

// Flags registers the CLI flags that participate in configuration
// resolution. Precedence is CLI > YAML > ENV > built-in defaults
// (spec.md §6), implemented via viper.BindPFlag/AutomaticEnv/SetDefault.
func Flags(fs *pflag.FlagSet) {
	fs.String("tftp-server-dir", "", "directory to serve boot files from over TFTP")
	fs.String("tftp-server-ipv4", "", "IPv4 address PXE clients should fetch boot files from")
	fs.String("boot-file", "", "default boot file name")
	fs.String("log-level", "info", "log level")
	fs.StringSlice("ifaces", nil, "interfaces to listen on, default all non-loopback IPv4 interfaces")
	fs.String("conf", defaultConfigPath(), "path to the YAML match-rule config")
	fs.Int("max-sessions", defaultMaxSessions, "maximum number of in-flight DHCP sessions tracked at once")
}

// Load resolves a Config from flags, the YAML file they (or PO_CONF_PATH)
// point at, environment variables, and built-in defaults, in that
// precedence order (spec.md §6).
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := v.BindPFlag("tftp_server_dir_path", fs.Lookup("tftp-server-dir")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("tftp_server_ipv4", fs.Lookup("tftp-server-ipv4")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("boot_file", fs.Lookup("boot-file")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("log_level", fs.Lookup("log-level")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("ifaces", fs.Lookup("ifaces")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("conf_path", fs.Lookup("conf")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("max_sessions", fs.Lookup("max-sessions")); err != nil {
		return Config{}, err
	}
	v.SetDefault("max_sessions", defaultMaxSessions)
	v.SetDefault("conf_path", defaultConfigPath())

	confPath := v.GetString("conf_path")
	if override := os.Getenv(envPrefix + "_CONF_PATH"); override != "" && !fs.Changed("conf") {
		confPath = override
	}

	cfg, err := readYAMLFile(confPath)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading %s: %w", confPath, err)
	}

	// ENV and flags layer boot_file/tftp server/ifaces/max_sessions over
	// whatever the YAML file set for Default/Ifaces/MaxSessions, matching
	// the CLI > YAML > ENV > defaults precedence: a flag/env value only
	// applies if the user actually set it (flags report Changed, env is
	// looked up explicitly so an unset PO_* var never clobbers YAML).
	if bf := v.GetString("boot_file"); fs.Changed("boot-file") || (bf != "" && !fs.Changed("boot-file") && cfg.Default.BootFile == "") {
		cfg.Default.BootFile = bf
	}
	if ts := v.GetString("tftp_server_ipv4"); ts != "" && (fs.Changed("tftp-server-ipv4") || cfg.Default.BootServerIPv4S == "") {
		cfg.Default.BootServerIPv4S = ts
	}
	if td := v.GetString("tftp_server_dir_path"); td != "" && (fs.Changed("tftp-server-dir") || cfg.TFTPServerDir == "") {
		cfg.TFTPServerDir = td
	}
	if ifaces := v.GetStringSlice("ifaces"); len(ifaces) > 0 && (fs.Changed("ifaces") || len(cfg.Ifaces) == 0) {
		cfg.Ifaces = ifaces
	}
	if ms := v.GetInt("max_sessions"); fs.Changed("max-sessions") || cfg.MaxSessions == 0 {
		if ms > 0 {
			cfg.MaxSessions = ms
		}
	}
	if lv := v.GetString("log_level"); lv != "" && (fs.Changed("log-level") || cfg.LogLevel == "") {
		cfg.LogLevel = lv
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func readYAMLFile(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", errInvalidYAML, err)
	}

	return cfg, nil
}

var errInvalidYAML = fmt.Errorf("config: invalid YAML")

// Watcher holds a hot-reloadable, pre-compiled Resolver. It is adapted from
// the teacher's backend/file.Watcher, generalized from watching a
// reservation file to watching the match-rule config file: on write, the
// file is re-read, re-normalized, and recompiled, then swapped in
// atomically so in-flight Resolve calls never observe a half-updated
// ruleset.
type Watcher struct {
	path           string
	tftpConfigured bool
	log            logr.Logger

	resolver atomic.Pointer[Resolver]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once synchronously and returns a Watcher serving
// that compiled ruleset. Call Start to begin watching for changes.
func NewWatcher(log logr.Logger, path string, tftpConfigured bool) (*Watcher, error) {
	w := &Watcher{path: path, tftpConfigured: tftpConfigured, log: log}

	cfg, err := readYAMLFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	r, err := Compile(cfg, tftpConfigured)
	if err != nil {
		return nil, err
	}
	w.resolver.Store(r)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close() //nolint:errcheck
		return nil, err
	}
	w.watcher = fw

	return w, nil
}

// Resolver returns the currently active compiled Resolver.
func (w *Watcher) Resolver() *Resolver {
	return w.resolver.Load()
}

// Start watches the config file for writes and hot-swaps the compiled
// Resolver on each one. Start blocks until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close() //nolint:errcheck
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) || event.Op&fsnotify.Write == 0 {
				continue
			}
			cfg, err := readYAMLFile(w.path)
			if err != nil {
				w.log.Error(err, "failed to reload config", "path", w.path)
				continue
			}
			if err := cfg.normalize(); err != nil {
				w.log.Error(err, "failed to normalize reloaded config", "path", w.path)
				continue
			}
			r, err := Compile(cfg, w.tftpConfigured)
			if err != nil {
				w.log.Error(err, "failed to compile reloaded config", "path", w.path)
				continue
			}
			w.resolver.Store(r)
			w.log.Info("reloaded config", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Info("error watching config file", "err", err)
		}
	}
}
