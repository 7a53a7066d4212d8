package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgassert/nrt-launcher/internal/appconfig"
	"github.com/fgassert/nrt-launcher/internal/launch"
	"github.com/fgassert/nrt-launcher/internal/stevedore/containerd"
	"pkt.systems/pslog"
)

func newBuildCmd() *cobra.Command {
	var configPath string
	var output string
	var namespace string
	var disableImport bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the script image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolvedConfigPath, err := loadRequiredConfig(configPath)
			if err != nil {
				return err
			}
			builder, runtimeKind, err := selectBuilder(cfg)
			if err != nil {
				return err
			}
			launchCfg := launch.FromAppConfig(cfg)
			if runtimeKind == "containerd" || strings.TrimSpace(output) != "" {
				outputPath, err := resolveOutputPath(resolvedConfigPath, output, cfg.Name+".oci.tar")
				if err != nil {
					return err
				}
				launchCfg.OutputPath = outputPath
			}
			launcher := launch.New(launchCfg, nil, builder)
			image, err := launcher.Build(cmd.Context())
			if err != nil {
				return err
			}
			return postBuild(cmd.Context(), cfg, runtimeKind, namespace, disableImport, launchCfg.OutputPath, []string{image})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "path to OCI tar export (default: <config dir>/containers/<name>.oci.tar, containerd only)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "override containerd namespace for import (containerd only)")
	cmd.Flags().BoolVar(&disableImport, "disable-import", false, "skip importing the built image into containerd (containerd only)")
	return cmd
}

func postBuild(ctx context.Context, cfg appconfig.Config, runtimeKind string, namespace string, disableImport bool, outputPath string, images []string) error {
	switch runtimeKind {
	case "containerd":
		if err := importBuildOutputContainerd(ctx, cfg, namespace, disableImport, outputPath, images); err != nil {
			return err
		}
		return verifyBuiltImagesContainerd(ctx, cfg, namespace, disableImport, images)
	case "podman":
		logger := pslog.Ctx(ctx)
		if disableImport {
			logger.Info("build.import.skipped", "reason", "podman backend")
		}
		if strings.TrimSpace(namespace) != "" {
			logger.Info("build.namespace.ignored", "namespace", namespace, "reason", "podman backend")
		}
		return verifyBuiltImagesPodman(ctx, cfg, images)
	default:
		return fmt.Errorf("unsupported runtime %q", runtimeKind)
	}
}

func importBuildOutputContainerd(ctx context.Context, cfg appconfig.Config, namespaceOverride string, disableImport bool, outputPath string, tags []string) error {
	logger := pslog.Ctx(ctx)
	if disableImport {
		logger.Info("build.import.skipped", "path", outputPath)
		return nil
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path is required for import")
	}
	namespace := cfg.Engine.Containerd.Namespace
	if strings.TrimSpace(namespaceOverride) != "" {
		namespace = namespaceOverride
	}
	runtime, err := containerd.New(ctx, containerd.Config{
		Address:     cfg.Engine.Containerd.Address,
		Namespace:   namespace,
		PullTimeout: time.Duration(cfg.Engine.PullTimeout) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()
	logger.Info("build.import.start", "path", outputPath, "namespace", namespace)
	if err := runtime.Import(ctx, outputPath, tags); err != nil {
		return err
	}
	logger.Info("build.import.complete", "path", outputPath, "namespace", namespace)
	return nil
}

func verifyBuiltImagesContainerd(ctx context.Context, cfg appconfig.Config, namespaceOverride string, disableImport bool, images []string) error {
	if disableImport || len(images) == 0 {
		return nil
	}
	namespace := cfg.Engine.Containerd.Namespace
	if strings.TrimSpace(namespaceOverride) != "" {
		namespace = namespaceOverride
	}
	runtime, err := containerd.New(ctx, containerd.Config{
		Address:     cfg.Engine.Containerd.Address,
		Namespace:   namespace,
		PullTimeout: time.Duration(cfg.Engine.PullTimeout) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()
	for _, image := range images {
		ok, err := runtime.ImageExists(ctx, image)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %q not found in containerd namespace %q; import failed or namespace mismatch", image, namespace)
		}
	}
	return nil
}

func verifyBuiltImagesPodman(ctx context.Context, cfg appconfig.Config, images []string) error {
	if len(images) == 0 {
		return nil
	}
	runtime, closeFn, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}
	for _, image := range images {
		ok, err := runtime.ImageExists(ctx, image)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %q not found in podman store", image)
		}
	}
	return nil
}

func resolveOutputPath(configPath string, override string, filename string) (string, error) {
	output := strings.TrimSpace(override)
	if output == "" {
		dir := filepath.Dir(configPath)
		output = filepath.Join(dir, "containers", filename)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	return output, nil
}
