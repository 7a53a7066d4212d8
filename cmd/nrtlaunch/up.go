package main

import (
	"github.com/spf13/cobra"

	"github.com/fgassert/nrt-launcher/internal/launch"
)

func newUpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build the script image, then run it to completion",
		Long: "Up is the whole launch in one command: build the context " +
			"and tag the image with the configured name, then run one " +
			"container from it and exit with the container's exit code. " +
			"A build failure aborts before any container is created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolvedConfigPath, err := loadRequiredConfig(configPath)
			if err != nil {
				return err
			}
			runtime, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}
			builder, runtimeKind, err := selectBuilder(cfg)
			if err != nil {
				return err
			}
			launchCfg := launch.FromAppConfig(cfg)
			if runtimeKind == "containerd" {
				// BuildKit exports an OCI tar which the launcher imports
				// into containerd before the run step.
				outputPath, err := resolveOutputPath(resolvedConfigPath, "", cfg.Name+".oci.tar")
				if err != nil {
					return err
				}
				launchCfg.OutputPath = outputPath
			}
			launcher := launch.New(launchCfg, runtime, builder)
			code, err := launcher.Up(cmd.Context())
			if err != nil {
				return err
			}
			return exitCode(code)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
