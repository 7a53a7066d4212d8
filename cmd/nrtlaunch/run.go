package main

import (
	"github.com/spf13/cobra"

	"github.com/fgassert/nrt-launcher/internal/launch"
)

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the script container and wait for it to exit",
		Long: "Run starts one container from the image tagged with the " +
			"configured name, with the data directory mounted at " +
			"/opt/<name>/data, env vars from the env file, and output " +
			"shipped to the syslog endpoint. The process exits with the " +
			"container's exit code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRequiredConfig(configPath)
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
			launcher := launch.New(launch.FromAppConfig(cfg), runtime, nil)
			code, err := launcher.Run(cmd.Context())
			if err != nil {
				return err
			}
			return exitCode(code)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
