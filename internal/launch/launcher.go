// Package launch implements the containerized script launcher: build an
// image tagged with the launch name, then run one container of it with
// syslog logging, a mounted data directory, and env vars from a file.
package launch

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/subosito/gotenv"

	"github.com/fgassert/nrt-launcher/internal/appconfig"
	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"github.com/fgassert/nrt-launcher/internal/syslogio"
	"pkt.systems/pslog"
)

// Config is the immutable launch configuration. Name doubles as the
// image tag, the container name, and the syslog tag.
type Config struct {
	Name          string
	LogEndpoint   string
	DataDir       string
	EnvFile       string
	ContextDir    string
	Containerfile string
	BuildTimeout  time.Duration
	OutputPath    string
}

// FromAppConfig maps the loaded file config onto a launch config.
func FromAppConfig(cfg appconfig.Config) Config {
	return Config{
		Name:          cfg.Name,
		LogEndpoint:   cfg.LogEndpoint,
		DataDir:       cfg.DataDir,
		EnvFile:       cfg.EnvFile,
		ContextDir:    cfg.ContextDir,
		Containerfile: cfg.Containerfile,
		BuildTimeout:  time.Duration(cfg.Engine.BuildTimeout) * time.Minute,
	}
}

// MountTarget returns the in-container data directory for a launch name.
func MountTarget(name string) string {
	return path.Join("/opt", name, "data")
}

// Launcher drives one build-then-run sequence against a container engine.
type Launcher struct {
	cfg     Config
	runtime stevedore.Runtime
	builder stevedore.Builder
}

// New constructs a launcher.
func New(cfg Config, runtime stevedore.Runtime, builder stevedore.Builder) *Launcher {
	return &Launcher{cfg: cfg, runtime: runtime, builder: builder}
}

// Build builds the configured context and tags the image with the launch
// name, verbatim. Returns the image reference.
func (l *Launcher) Build(ctx context.Context) (string, error) {
	log := pslog.Ctx(ctx).With("name", l.cfg.Name)
	if err := l.validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBuild, err)
	}
	spec := stevedore.BuildSpec{
		ContextDir:        l.cfg.ContextDir,
		ContainerfilePath: l.cfg.Containerfile,
		Tags:              []string{l.cfg.Name},
		Timeout:           l.cfg.BuildTimeout,
		OutputPath:        l.cfg.OutputPath,
	}
	log.Info("build start", "context", spec.ContextDir, "tag", l.cfg.Name)
	res, err := l.runBuild(ctx, spec)
	if err != nil {
		log.Warn("build failed", "err", err)
		return "", fmt.Errorf("%w: %w", ErrBuild, err)
	}
	log.Info("build complete", "images", res.ImageNames)
	if l.cfg.OutputPath != "" {
		if importer, ok := l.runtime.(stevedore.ImageImporter); ok {
			log.Info("build import", "path", l.cfg.OutputPath)
			if err := importer.Import(ctx, l.cfg.OutputPath, []string{l.cfg.Name}); err != nil {
				return "", fmt.Errorf("%w: import: %w", ErrBuild, err)
			}
		}
	}
	return l.cfg.Name, nil
}

// Run starts one container from the image tagged with the launch name
// and blocks until it exits, returning the container's exit code. The
// env file is read before any engine call, so a missing env file fails
// the run step even when the preceding build succeeded.
func (l *Launcher) Run(ctx context.Context) (int, error) {
	log := pslog.Ctx(ctx).With("name", l.cfg.Name)
	if err := l.validate(); err != nil {
		return 1, fmt.Errorf("%w: %w", ErrRun, err)
	}
	env, err := loadEnvFile(l.cfg.EnvFile)
	if err != nil {
		log.Warn("run rejected", "reason", "env file", "err", err)
		return 1, fmt.Errorf("%w: env file: %w", ErrRun, err)
	}
	ok, err := l.runtime.ImageExists(ctx, l.cfg.Name)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrRun, err)
	}
	if !ok {
		log.Warn("run rejected", "reason", "image missing")
		return 1, fmt.Errorf("%w: image %q not found; build it first", ErrRun, l.cfg.Name)
	}
	if err := os.MkdirAll(l.cfg.DataDir, 0o755); err != nil {
		return 1, fmt.Errorf("%w: data dir: %w", ErrRun, err)
	}

	spec := l.containerSpec(env)
	log.Info("run start",
		"image", spec.Image,
		"log_endpoint", spec.Log.Address,
		"log_tag", spec.Log.Tag,
		"mount", spec.Mounts[0].Target,
	)
	handle, err := l.runtime.Start(ctx, spec)
	if err != nil {
		log.Warn("run failed", "err", err)
		return 1, fmt.Errorf("%w: %w", ErrRun, err)
	}
	res, err := l.runtime.Wait(ctx, handle)
	if err != nil {
		// Best effort: auto-remove only fires on normal exit.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = l.runtime.Stop(stopCtx, handle)
		_ = l.runtime.Remove(stopCtx, handle)
		log.Warn("run failed", "err", err)
		return 1, fmt.Errorf("%w: %w", ErrRun, err)
	}
	log.Info("run complete", "exit_code", res.ExitCode, "duration_ms", res.Finished.Sub(res.Started).Milliseconds())
	return res.ExitCode, nil
}

// Up builds then runs, strictly sequential. A build failure aborts
// before any container is created.
func (l *Launcher) Up(ctx context.Context) (int, error) {
	if _, err := l.Build(ctx); err != nil {
		return 1, err
	}
	return l.Run(ctx)
}

func (l *Launcher) validate() error {
	if strings.TrimSpace(l.cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := syslogio.ParseEndpoint(l.cfg.LogEndpoint); err != nil {
		return err
	}
	return nil
}

// containerSpec derives the one engine request the launcher ever makes.
// Invariant: Image, Name and Log.Tag all carry cfg.Name verbatim.
func (l *Launcher) containerSpec(env map[string]string) stevedore.ContainerSpec {
	return stevedore.ContainerSpec{
		Name:  l.cfg.Name,
		Image: l.cfg.Name,
		Env:   env,
		Labels: map[string]string{
			stevedore.LabelName: l.cfg.Name,
		},
		Mounts: []stevedore.Mount{
			{Source: l.cfg.DataDir, Target: MountTarget(l.cfg.Name)},
		},
		Log: stevedore.LogSpec{
			Driver:  "syslog",
			Address: l.cfg.LogEndpoint,
			Tag:     l.cfg.Name,
		},
		AutoRemove: true,
	}
}

func (l *Launcher) runBuild(ctx context.Context, spec stevedore.BuildSpec) (stevedore.BuildResult, error) {
	logger := pslog.Ctx(ctx)
	if withEvents, ok := l.builder.(stevedore.BuilderWithEvents); ok {
		events := make(chan stevedore.BuildEvent, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			logBuildEvents(ctx, logger, events)
		}()
		res, err := withEvents.BuildWithEvents(ctx, spec, events)
		close(events)
		<-done
		return res, err
	}
	return l.builder.Build(ctx, spec)
}

func logBuildEvents(ctx context.Context, logger pslog.Logger, events <-chan stevedore.BuildEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case stevedore.BuildEventVertexStarted:
				logger.Info(buildEventMessage(ev), "state", "started")
			case stevedore.BuildEventVertexCompleted:
				if ev.Error != "" {
					logger.Error(buildEventMessage(ev), "vertex", ev.VertexID, "err", ev.Error)
				} else {
					logger.Info(buildEventMessage(ev), "state", "completed")
				}
			case stevedore.BuildEventLog:
				line := strings.TrimSpace(ev.Message)
				if line == "" {
					line = buildEventMessage(ev)
				}
				logger.Info(line)
			case stevedore.BuildEventWarning:
				logger.Warn(buildEventMessage(ev), "warning", ev.Message)
			default:
				logger.Info(buildEventMessage(ev), "kind", ev.Kind, "msg", ev.Message)
			}
		}
	}
}

func buildEventMessage(ev stevedore.BuildEvent) string {
	if strings.TrimSpace(ev.Name) != "" {
		return ev.Name
	}
	return "build.event"
}

// loadEnvFile parses a KEY=VALUE env file into the container environment.
func loadEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	env, err := gotenv.StrictParse(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}
