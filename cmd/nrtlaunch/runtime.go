package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgassert/nrt-launcher/internal/appconfig"
	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"github.com/fgassert/nrt-launcher/internal/stevedore/buildkit"
	"github.com/fgassert/nrt-launcher/internal/stevedore/containerd"
	"github.com/fgassert/nrt-launcher/internal/stevedore/podman"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (stevedore.Runtime, func() error, error) {
	switch cfg.Engine.Runtime {
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Engine.Podman.Address,
			UserNSMode:  cfg.Engine.Podman.UserNSMode,
			PullTimeout: time.Duration(cfg.Engine.PullTimeout) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Engine.Podman.Address, err)
		}
		return rt, rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Engine.Containerd.Address,
			Namespace:   cfg.Engine.Containerd.Namespace,
			PullTimeout: time.Duration(cfg.Engine.PullTimeout) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Engine.Containerd.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported engine.runtime %q", cfg.Engine.Runtime)
	}
}

func selectBuilder(cfg appconfig.Config) (stevedore.Builder, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Engine.Runtime)) {
	case "podman":
		return podman.NewBuilder(podman.Config{Address: cfg.Engine.Podman.Address}), "podman", nil
	case "containerd":
		return buildkit.New(buildkit.Config{Address: cfg.Engine.BuildKit.Address}), "containerd", nil
	default:
		return nil, "", fmt.Errorf("unsupported engine.runtime %q", cfg.Engine.Runtime)
	}
}

func loadRequiredConfig(path string) (appconfig.Config, string, error) {
	configPath, err := resolveConfigPath(path)
	if err != nil {
		return appconfig.Config{}, "", err
	}
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return appconfig.Config{}, "", fmt.Errorf("config not found: %s; run nrtlaunch bootstrap", configPath)
		}
		return appconfig.Config{}, "", err
	}
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return appconfig.Config{}, "", err
	}
	return cfg, configPath, nil
}

func resolveConfigPath(path string) (string, error) {
	configPath := strings.TrimSpace(path)
	if configPath != "" {
		return configPath, nil
	}
	return appconfig.DefaultConfigPath()
}
