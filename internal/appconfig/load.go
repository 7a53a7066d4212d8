package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fgassert/nrt-launcher/internal/syslogio"
)

// Load reads configuration from the provided path. If path is empty,
// uses DefaultConfigPath. Relative paths in the file resolve against the
// file's own directory.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("name", cfg.Name)
	v.SetDefault("log_endpoint", cfg.LogEndpoint)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("env_file", cfg.EnvFile)
	v.SetDefault("context_dir", cfg.ContextDir)
	v.SetDefault("containerfile", cfg.Containerfile)
	v.SetDefault("engine.runtime", cfg.Engine.Runtime)
	v.SetDefault("engine.build_timeout_minutes", cfg.Engine.BuildTimeout)
	v.SetDefault("engine.pull_timeout_minutes", cfg.Engine.PullTimeout)
	v.SetDefault("engine.podman.address", cfg.Engine.Podman.Address)
	v.SetDefault("engine.podman.userns_mode", cfg.Engine.Podman.UserNSMode)
	v.SetDefault("engine.containerd.address", cfg.Engine.Containerd.Address)
	v.SetDefault("engine.containerd.namespace", cfg.Engine.Containerd.Namespace)
	v.SetDefault("engine.buildkit.address", cfg.Engine.BuildKit.Address)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if strings.TrimSpace(v.GetString("name")) == "" {
			return Config{}, fmt.Errorf("name is required for config_version %d", CurrentConfigVersion)
		}
		switch v.GetString("engine.runtime") {
		case "podman":
			if !v.IsSet("engine.podman.address") {
				return Config{}, fmt.Errorf("engine.podman.address is required for config_version %d", CurrentConfigVersion)
			}
		case "containerd":
			if !v.IsSet("engine.containerd.address") {
				return Config{}, fmt.Errorf("engine.containerd.address is required for config_version %d", CurrentConfigVersion)
			}
			if !v.IsSet("engine.containerd.namespace") {
				return Config{}, fmt.Errorf("engine.containerd.namespace is required for config_version %d", CurrentConfigVersion)
			}
		default:
			return Config{}, fmt.Errorf("unsupported engine.runtime %q", v.GetString("engine.runtime"))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateName(cfg.Name); err != nil && configLoaded {
		return Config{}, err
	}
	if _, err := syslogio.ParseEndpoint(cfg.LogEndpoint); err != nil {
		return Config{}, fmt.Errorf("log_endpoint: %w", err)
	}
	resolvePaths(&cfg, filepath.Dir(path))
	return cfg, nil
}

// validateName rejects names that cannot double as an image tag, a
// container name, and a syslog tag.
func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("name %q may only contain lowercase letters, digits, '-', '_' and '.'", name)
		}
	}
	first := name[0]
	if !(first >= 'a' && first <= 'z' || first >= '0' && first <= '9') {
		return fmt.Errorf("name %q must start with a letter or digit", name)
	}
	return nil
}

// resolvePaths anchors relative paths at the config file's directory so
// the launcher behaves the same regardless of the caller's cwd.
func resolvePaths(cfg *Config, baseDir string) {
	cfg.ContextDir = resolvePath(baseDir, cfg.ContextDir)
	cfg.DataDir = resolvePath(cfg.ContextDir, cfg.DataDir)
	cfg.EnvFile = resolvePath(cfg.ContextDir, cfg.EnvFile)
	cfg.Containerfile = resolvePath(cfg.ContextDir, cfg.Containerfile)
}

func resolvePath(baseDir, value string) string {
	value = strings.TrimSpace(value)
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.EnvFile = expandEnv(cfg.EnvFile)
	cfg.ContextDir = expandEnv(cfg.ContextDir)
	cfg.Containerfile = expandEnv(cfg.Containerfile)
	cfg.LogEndpoint = expandEnv(cfg.LogEndpoint)
	cfg.Engine.Podman.Address = expandEnv(cfg.Engine.Podman.Address)
	cfg.Engine.Containerd.Address = expandEnv(cfg.Engine.Containerd.Address)
	cfg.Engine.BuildKit.Address = expandEnv(cfg.Engine.BuildKit.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path with the
// given name filled in.
func WriteDefault(path string, name string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg := DefaultConfig()
	cfg.Name = name
	if err := validateName(cfg.Name); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
