package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level launcher configuration. Name is reused
// verbatim as the image tag, the container name, and the syslog tag.
type Config struct {
	ConfigVersion int          `mapstructure:"config_version" yaml:"config_version"`
	Name          string       `mapstructure:"name" yaml:"name"`
	LogEndpoint   string       `mapstructure:"log_endpoint" yaml:"log_endpoint"`
	DataDir       string       `mapstructure:"data_dir" yaml:"data_dir"`
	EnvFile       string       `mapstructure:"env_file" yaml:"env_file"`
	ContextDir    string       `mapstructure:"context_dir" yaml:"context_dir"`
	Containerfile string       `mapstructure:"containerfile" yaml:"containerfile"`
	Engine        EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig selects and configures the container engine backend.
type EngineConfig struct {
	Runtime      string           `mapstructure:"runtime" yaml:"runtime"`
	Podman       PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd   ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit     BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
	BuildTimeout int              `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
	PullTimeout  int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// PodmanConfig configures the podman engine endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// ContainerdConfig configures the containerd engine endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BuildKitConfig configures the BuildKit endpoint (containerd backend only).
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// DefaultConfig returns a config with sensible defaults. Name has no
// default; a loaded config must set it.
func DefaultConfig() Config {
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Name:          "",
		LogEndpoint:   "udp://localhost:5090",
		DataDir:       "data",
		EnvFile:       ".env",
		ContextDir:    ".",
		Containerfile: "Dockerfile",
		Engine: EngineConfig{
			Runtime:      "podman",
			BuildTimeout: 20,
			PullTimeout:  5,
			Podman: PodmanConfig{
				Address:    fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
				UserNSMode: "",
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "nrtlaunch",
			},
			BuildKit: BuildKitConfig{
				Address: "",
			},
		},
	}
}

// DefaultConfigPath returns the standard config path: nrtlaunch.yaml in
// the working directory, next to the build context it describes.
func DefaultConfigPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, "nrtlaunch.yaml"), nil
}
