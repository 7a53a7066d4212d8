package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
name: demo
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresName(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("expected name error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedRuntime(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: demo
engine:
  runtime: docker
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported engine.runtime") {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestLoadRejectsBadLogEndpoint(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: demo
log_endpoint: localhost
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "log_endpoint") {
		t.Fatalf("expected log_endpoint error, got %v", err)
	}
}

func TestLoadRejectsBadName(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "uppercase", value: "Demo"},
		{name: "space", value: "my script"},
		{name: "leading-dash", value: "-demo"},
		{name: "leading-dot", value: ".demo"},
		{name: "leading-underscore", value: "_demo"},
	}
	for _, tc := range tests {
		path := writeConfig(t, `
config_version: 1
name: "`+tc.value+`"
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected name validation error for %q", tc.name, tc.value)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: cli_041_antarctica_ice
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "cli_041_antarctica_ice" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.LogEndpoint != "udp://localhost:5090" {
		t.Fatalf("log_endpoint = %q", cfg.LogEndpoint)
	}
	if cfg.Engine.BuildTimeout != 20 {
		t.Fatalf("build timeout = %d, want 20", cfg.Engine.BuildTimeout)
	}
	if cfg.Engine.Containerd.Namespace != "nrtlaunch" {
		t.Fatalf("containerd namespace = %q", cfg.Engine.Containerd.Namespace)
	}
}

func TestLoadResolvesPathsAgainstConfigDir(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: demo
context_dir: script
data_dir: data
env_file: .env
containerfile: Dockerfile
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	base := filepath.Dir(path)
	wantContext := filepath.Join(base, "script")
	if cfg.ContextDir != wantContext {
		t.Fatalf("context_dir = %q, want %q", cfg.ContextDir, wantContext)
	}
	if cfg.DataDir != filepath.Join(wantContext, "data") {
		t.Fatalf("data_dir = %q", cfg.DataDir)
	}
	if cfg.EnvFile != filepath.Join(wantContext, ".env") {
		t.Fatalf("env_file = %q", cfg.EnvFile)
	}
	if cfg.Containerfile != filepath.Join(wantContext, "Dockerfile") {
		t.Fatalf("containerfile = %q", cfg.Containerfile)
	}
}

func TestLoadKeepsAbsolutePaths(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: demo
context_dir: /srv/script
data_dir: /var/lib/demo/data
engine:
  runtime: podman
  podman:
    address: unix:///run/user/1000/podman/podman.sock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ContextDir != "/srv/script" {
		t.Fatalf("context_dir = %q", cfg.ContextDir)
	}
	if cfg.DataDir != "/var/lib/demo/data" {
		t.Fatalf("data_dir = %q", cfg.DataDir)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("NRTLAUNCH_TEST_SOCK", "/run/user/1000/podman/podman.sock")
	path := writeConfig(t, `
config_version: 1
name: demo
engine:
  runtime: podman
  podman:
    address: unix://${NRTLAUNCH_TEST_SOCK}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := "unix:///run/user/1000/podman/podman.sock"
	if cfg.Engine.Podman.Address != want {
		t.Fatalf("podman address = %q, want %q", cfg.Engine.Podman.Address, want)
	}
}

func TestLoadAcceptsContainerdRuntime(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
name: demo
engine:
  runtime: containerd
  containerd:
    address: unix:///run/user/1000/containerd/containerd.sock
    namespace: nrtlaunch
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nrtlaunch.yaml")
	written, err := WriteDefault(path, "demo", false)
	if err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if written != path {
		t.Fatalf("written = %q, want %q", written, path)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if cfg.Name != "demo" {
		t.Fatalf("name = %q, want demo", cfg.Name)
	}

	if _, err := WriteDefault(path, "demo", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if _, err := WriteDefault(path, "demo", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestWriteDefaultRejectsBadName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nrtlaunch.yaml")
	if _, err := WriteDefault(path, "Bad Name", false); err == nil {
		t.Fatalf("expected name validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config written despite bad name")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nrtlaunch.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
