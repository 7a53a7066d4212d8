// Package bootstrap generates a starter launch directory: a config file,
// a Containerfile, an env file, and the data directory the launcher
// mounts into the container.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/fgassert/nrt-launcher/internal/appconfig"
)

const (
	containerfileName = "Containerfile.tmpl"
	envSampleName     = "env.sample"
)

// Paths reports where bootstrap wrote its outputs.
type Paths struct {
	ConfigPath    string
	Containerfile string
	EnvPath       string
	DataDir       string
}

type templateData struct {
	Name string
}

// Files returns the rendered starter files for a launch name.
type Files struct {
	Containerfile []byte
	Env           []byte
}

// DefaultFiles renders the starter Containerfile and env file for name.
func DefaultFiles(name string) (Files, error) {
	tmplData, err := readEmbeddedFile("files/" + containerfileName)
	if err != nil {
		return Files{}, err
	}
	tmpl, err := template.New(containerfileName).Parse(string(tmplData))
	if err != nil {
		return Files{}, fmt.Errorf("parse containerfile template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Name: name}); err != nil {
		return Files{}, fmt.Errorf("render containerfile: %w", err)
	}
	env, err := readEmbeddedFile("files/" + envSampleName)
	if err != nil {
		return Files{}, err
	}
	return Files{Containerfile: buf.Bytes(), Env: env}, nil
}

// WriteBootstrap writes the starter files into dir. Existing files are
// left alone unless overwrite is set; the config path always goes
// through appconfig.WriteDefault so name validation applies.
func WriteBootstrap(dir string, name string, overwrite bool) (Paths, error) {
	if dir == "" {
		return Paths{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, err
	}

	files, err := DefaultFiles(name)
	if err != nil {
		return Paths{}, err
	}

	configPath, err := appconfig.WriteDefault(filepath.Join(dir, "nrtlaunch.yaml"), name, overwrite)
	if err != nil {
		return Paths{}, err
	}

	paths := Paths{
		ConfigPath:    configPath,
		Containerfile: filepath.Join(dir, "Dockerfile"),
		EnvPath:       filepath.Join(dir, ".env"),
		DataDir:       filepath.Join(dir, "data"),
	}
	if err := writeFileIfAbsent(paths.Containerfile, files.Containerfile, 0o644, overwrite); err != nil {
		return Paths{}, err
	}
	if err := writeFileIfAbsent(paths.EnvPath, files.Env, 0o600, overwrite); err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(paths.DataDir, 0o755); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

func writeFileIfAbsent(path string, data []byte, mode os.FileMode, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists at %s", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, data, mode)
}
