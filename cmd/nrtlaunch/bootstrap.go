package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/fgassert/nrt-launcher/bootstrap"
	"pkt.systems/pslog"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "bootstrap <name>",
		Short: "Generate a starter launch directory",
		Long: "Bootstrap writes a config file, a starter Containerfile, a " +
			".env template, and the data directory into the output " +
			"directory. The name becomes the image tag, the container " +
			"name, and the syslog tag.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			name := args[0]
			if name == "" {
				return errors.New("name is required")
			}
			out := outputDir
			if out == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				out = cwd
			}
			paths, err := bootstrap.WriteBootstrap(out, name, overwrite)
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", paths.ConfigPath, "name", "nrtlaunch.yaml")
			logger.Info("bootstrap wrote", "path", paths.Containerfile, "name", "Dockerfile")
			logger.Info("bootstrap wrote", "path", paths.EnvPath, "name", ".env")
			logger.Info("bootstrap wrote", "path", paths.DataDir, "name", "data/")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: current directory)")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	return cmd
}
