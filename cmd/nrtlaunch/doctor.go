package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	"github.com/fgassert/nrt-launcher/internal/syslogio"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var configPath string
	var probeTimeout time.Duration
	var skipProbe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run launch diagnostics",
		Long: "Doctor verifies everything a launch needs: the config " +
			"loads, the engine answers, the image exists, the env file " +
			"parses, the data directory is usable, and the syslog " +
			"endpoint accepts a test message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, resolvedConfigPath, err := loadRequiredConfig(configPath)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "config", resolvedConfigPath, "name", cfg.Name)

			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}
			logger.Info("doctor engine ok", "runtime", cfg.Engine.Runtime)

			ok, err := rt.ImageExists(cmd.Context(), cfg.Name)
			if err != nil {
				return fmt.Errorf("doctor image check: %w", err)
			}
			if ok {
				logger.Info("doctor image ok", "image", cfg.Name)
			} else {
				logger.Warn("doctor image missing", "image", cfg.Name, "hint", "run nrtlaunch build")
			}

			if err := checkEnvFile(cfg.EnvFile); err != nil {
				return fmt.Errorf("doctor env file: %w", err)
			}
			logger.Info("doctor env file ok", "path", cfg.EnvFile)

			if err := checkDataDir(cfg.DataDir); err != nil {
				return fmt.Errorf("doctor data dir: %w", err)
			}
			logger.Info("doctor data dir ok", "path", cfg.DataDir)

			if skipProbe {
				logger.Info("doctor syslog probe skipped")
			} else {
				endpoint, err := syslogio.ParseEndpoint(cfg.LogEndpoint)
				if err != nil {
					return fmt.Errorf("doctor log endpoint: %w", err)
				}
				if err := syslogio.Probe(endpoint, cfg.Name, probeTimeout); err != nil {
					return fmt.Errorf("doctor syslog probe (%s): %w", cfg.LogEndpoint, err)
				}
				logger.Info("doctor syslog ok", "endpoint", cfg.LogEndpoint)
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 5*time.Second, "timeout for the syslog probe")
	cmd.Flags().BoolVar(&skipProbe, "skip-probe", false, "skip the syslog endpoint probe")
	return cmd
}

func checkEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	if _, err := gotenv.StrictParse(file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func checkDataDir(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		// The launcher creates it on the first run.
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
