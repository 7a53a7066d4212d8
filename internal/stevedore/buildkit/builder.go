package buildkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"pkt.systems/pslog"
)

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements stevedore.Builder using BuildKit.
type Builder struct {
	addresses []string
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image using BuildKit.
func (b *Builder) Build(ctx context.Context, spec stevedore.BuildSpec) (stevedore.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec stevedore.BuildSpec, events chan<- stevedore.BuildEvent) (stevedore.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec stevedore.BuildSpec, events chan<- stevedore.BuildEvent) (stevedore.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return stevedore.BuildResult{}, errors.New("build tags are required")
	}
	contextDir := strings.TrimSpace(spec.ContextDir)
	if contextDir == "" {
		log.Warn("buildkit build rejected", "reason", "missing context")
		return stevedore.BuildResult{}, errors.New("build context is required")
	}
	if info, err := os.Stat(contextDir); err != nil || !info.IsDir() {
		log.Warn("buildkit build rejected", "reason", "context dir unreadable", "path", contextDir)
		return stevedore.BuildResult{}, fmt.Errorf("build context %s is not a directory", contextDir)
	}
	containerfile := spec.ContainerfilePath
	if containerfile == "" {
		containerfile = filepath.Join(contextDir, "Dockerfile")
	}
	if _, err := os.Stat(containerfile); err != nil {
		log.Warn("buildkit build rejected", "reason", "containerfile unreadable", "path", containerfile)
		return stevedore.BuildResult{}, err
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 20 * time.Minute
	}
	log.Info("buildkit build start", "tags", len(spec.Tags), "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return stevedore.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{
		"filename": filepath.Base(containerfile),
	}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.emitEvents(buildCtx, statusCh, events)
		}()
	}

	exports, err := buildExports(ctx, spec)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return stevedore.BuildResult{}, err
	}

	_, err = bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    contextDir,
			"dockerfile": filepath.Dir(containerfile),
		},
		Exports: exports,
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return stevedore.BuildResult{}, err
	}
	if strings.TrimSpace(spec.OutputPath) != "" {
		log.Info("build.export.complete", "path", spec.OutputPath)
	}
	log.Info("buildkit build ok", "tags", len(spec.Tags))
	return stevedore.BuildResult{ImageNames: spec.Tags}, nil
}

func (b *Builder) emitEvents(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- stevedore.BuildEvent) {
	type vertexState struct {
		name      string
		started   bool
		completed bool
		lastError string
	}
	vertices := make(map[string]*vertexState)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			for _, v := range status.Vertexes {
				if v == nil {
					continue
				}
				id := v.Digest.String()
				state := vertices[id]
				if state == nil {
					state = &vertexState{name: v.Name}
					vertices[id] = state
				} else if state.name == "" && v.Name != "" {
					state.name = v.Name
				}
				if v.Started != nil && !state.started {
					state.started = true
					sendBuildEvent(ctx, events, stevedore.BuildEvent{
						Kind:      stevedore.BuildEventVertexStarted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Started,
					})
				}
				if v.Completed != nil && !state.completed {
					state.completed = true
					state.lastError = v.Error
					sendBuildEvent(ctx, events, stevedore.BuildEvent{
						Kind:      stevedore.BuildEventVertexCompleted,
						VertexID:  id,
						Name:      state.name,
						Timestamp: *v.Completed,
						Error:     v.Error,
					})
				}
				if v.Error != "" && v.Error != state.lastError {
					state.lastError = v.Error
					sendBuildEvent(ctx, events, stevedore.BuildEvent{
						Kind:     stevedore.BuildEventVertexCompleted,
						VertexID: id,
						Name:     state.name,
						Error:    v.Error,
					})
				}
			}
			for _, log := range status.Logs {
				if log == nil {
					continue
				}
				msg := strings.TrimSpace(string(log.Data))
				if msg == "" {
					continue
				}
				name := ""
				if state := vertices[log.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, stevedore.BuildEvent{
					Kind:      stevedore.BuildEventLog,
					VertexID:  log.Vertex.String(),
					Name:      name,
					Message:   msg,
					Timestamp: log.Timestamp,
				})
			}
			for _, warn := range status.Warnings {
				if warn == nil {
					continue
				}
				short := strings.TrimSpace(string(warn.Short))
				if warn.URL != "" {
					if short != "" {
						short = short + " (" + warn.URL + ")"
					} else {
						short = warn.URL
					}
				}
				if short == "" {
					continue
				}
				name := ""
				if state := vertices[warn.Vertex.String()]; state != nil {
					name = state.name
				}
				sendBuildEvent(ctx, events, stevedore.BuildEvent{
					Kind:     stevedore.BuildEventWarning,
					VertexID: warn.Vertex.String(),
					Name:     name,
					Message:  short,
				})
			}
		}
	}
}

func buildExports(ctx context.Context, spec stevedore.BuildSpec) ([]client.ExportEntry, error) {
	if strings.TrimSpace(spec.OutputPath) != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
			return nil, err
		}
		pslog.Ctx(ctx).Info("build.export.start", "path", spec.OutputPath, "backend", "buildkit")
		output := func(_ map[string]string) (io.WriteCloser, error) {
			return os.Create(spec.OutputPath)
		}
		return []client.ExportEntry{
			{
				Type:   client.ExporterOCI,
				Output: output,
				Attrs: map[string]string{
					"name":           strings.Join(spec.Tags, ","),
					"tar":            "true",
					"oci-mediatypes": "true",
				},
			},
		}, nil
	}
	return []client.ExportEntry{
		{
			Type: client.ExporterImage,
			Attrs: map[string]string{
				"name":           strings.Join(spec.Tags, ","),
				"push":           "false",
				"store":          "true",
				"unpack":         "true",
				"oci-mediatypes": "true",
			},
		},
	}, nil
}

func sendBuildEvent(ctx context.Context, events chan<- stevedore.BuildEvent, event stevedore.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case events <- event:
	default:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "buildkit", "buildkitd.sock")))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", filepath.Join(userRunDir, "buildkit", "buildkitd.sock")))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
