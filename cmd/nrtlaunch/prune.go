package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"pkt.systems/pslog"
)

func newPruneCmd() *cobra.Command {
	var configPath string
	var minAge time.Duration
	var all bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove leftover launch containers",
		Long: "Prune removes stopped or stuck containers created by this " +
			"launcher. By default only containers for the configured name " +
			"are pruned; --all prunes every launcher-managed container on " +
			"the engine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, _, err := loadRequiredConfig(configPath)
			if err != nil {
				return err
			}
			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}

			spec := stevedore.JanitorSpec{MinAge: minAge}
			if !all {
				spec.LabelSelector = map[string]string{stevedore.LabelName: cfg.Name}
			}
			removed, err := rt.Janitor(cmd.Context(), spec)
			if err != nil {
				return err
			}
			logger.Info("prune complete", "removed", removed, "min_age", minAge.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&minAge, "min-age", time.Hour, "only prune containers older than this")
	cmd.Flags().BoolVar(&all, "all", false, "prune all launcher-managed containers, not just this launch")
	return cmd
}
