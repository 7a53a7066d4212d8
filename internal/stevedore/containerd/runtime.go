package containerd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"github.com/fgassert/nrt-launcher/internal/syslogio"
	"pkt.systems/pslog"
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime implements stevedore.Runtime using containerd. containerd has
// no log drivers, so syslog logging is provided by attaching relay
// writers to the task's stdio streams.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration

	mu     sync.Mutex
	states map[string]*containerState
}

type containerState struct {
	container  containerd.Container
	task       containerd.Task
	autoRemove bool
	relay      *syslogio.Relay
	stdout     io.WriteCloser
	stderr     io.WriteCloser
}

// New constructs a containerd runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	addresses := candidateAddresses(cfg.Address, "containerd")
	var lastErr error
	for _, addr := range addresses {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "nrtlaunch"
			}
			timeout := cfg.PullTimeout
			if timeout == 0 {
				timeout = 5 * time.Minute
			}
			log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
			return &Runtime{
				client:      client,
				namespace:   namespace,
				pullTimeout: timeout,
				states:      make(map[string]*containerState),
			}, nil
		}
		log.Warn("containerd connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.logger(context.Background()).Info("containerd runtime closed")
	return err
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		r.logger(ctx).Warn("containerd image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	log.Debug("containerd image check")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, image); err == nil {
		log.Debug("containerd image present")
		return true, nil
	} else if errdefs.IsNotFound(err) {
		log.Debug("containerd image missing")
		return false, nil
	} else {
		log.Warn("containerd image check failed", "err", err)
		return false, err
	}
}

// Import loads an OCI tar image into the containerd image store.
func (r *Runtime) Import(ctx context.Context, tarPath string, tags []string) error {
	if strings.TrimSpace(tarPath) == "" {
		return errors.New("tar path is required")
	}
	log := r.logger(ctx).With("tar", tarPath)
	log.Info("containerd import start", "tags", len(tags))
	file, err := os.Open(tarPath)
	if err != nil {
		log.Warn("containerd import failed", "err", err)
		return err
	}
	defer func() { _ = file.Close() }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	imported, err := r.client.Import(ctx, file)
	if err != nil {
		log.Warn("containerd import failed", "err", err)
		return err
	}
	if len(tags) == 0 {
		log.Info("containerd import ok", "images", len(imported))
		return nil
	}
	if len(imported) == 0 {
		log.Warn("containerd import failed", "err", "import did not return any images")
		return errors.New("import did not return any images")
	}
	existing := map[string]struct{}{}
	for _, img := range imported {
		if strings.TrimSpace(img.Name) == "" {
			continue
		}
		existing[img.Name] = struct{}{}
	}
	baseTarget := imported[0].Target
	if first := strings.TrimSpace(tags[0]); first != "" {
		if img, err := r.client.GetImage(ctx, first); err == nil {
			baseTarget = img.Target()
		}
	}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := existing[tag]; ok {
			continue
		}
		if _, err := r.client.GetImage(ctx, tag); err == nil {
			continue
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		if err := r.tagImage(ctx, tag, baseTarget); err != nil {
			log.Warn("containerd import tag failed", "err", err, "tag", tag)
			return err
		}
	}
	log.Info("containerd import ok", "images", len(imported))
	return nil
}

func (r *Runtime) tagImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if _, err := r.client.GetImage(ctx, name); err == nil {
		_, err = r.client.ImageService().Update(ctx, images.Image{Name: name, Target: target}, "target")
		return err
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	_, err := r.client.ImageService().Create(ctx, images.Image{Name: name, Target: target})
	return err
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("containerd ensure image start")
	_, err := r.ensureImage(ctx, image, "")
	if err != nil {
		log.Warn("containerd ensure image failed", "err", err)
		return err
	}
	log.Info("containerd ensure image ok")
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, image, snapshotter string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		r.logger(ctx).Warn("containerd ensure image rejected", "reason", "missing image")
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	rootless := os.Geteuid() != 0
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		log.Debug("containerd image present")
		if snapshotter != "" && !rootless {
			if err := img.Unpack(ctx, snapshotter); err != nil && !errdefs.IsAlreadyExists(err) {
				log.Warn("containerd image unpack failed", "err", err)
				return nil, err
			}
		}
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start", "rootless", rootless)
	if pulled, err := r.pullWithTransfer(pullCtx, image, snapshotter, !rootless); err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	} else if rootless {
		log.Warn("containerd transfer pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if snapshotter != "" {
		opts = append(opts, containerd.WithPullSnapshotter(snapshotter))
	}
	img, err = r.client.Pull(pullCtx, image, opts...)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image, snapshotter string, unpack bool) (containerd.Image, error) {
	storeOpts := []transferimage.StoreOpt{}
	if unpack {
		platform := platforms.DefaultSpec()
		storeOpts = append(storeOpts, transferimage.WithUnpack(platform, snapshotter))
	}
	store := transferimage.NewStore(image, storeOpts...)
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, store); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}

// Start creates a container and starts its task. The image must already
// be present; a leftover container with the same name is an error.
func (r *Runtime) Start(ctx context.Context, spec stevedore.ContainerSpec) (stevedore.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		r.logger(ctx).Warn("containerd start rejected", "reason", "missing name")
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		r.logger(ctx).Warn("containerd start rejected", "reason", "missing image")
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("containerd start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.LoadContainer(ctx, spec.Name); err == nil {
		log.Warn("containerd start rejected", "reason", "name in use")
		return nil, fmt.Errorf("container %q already exists", spec.Name)
	} else if !errdefs.IsNotFound(err) {
		log.Warn("containerd load container failed", "err", err)
		return nil, err
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}

	labels := mergeLabels(spec.Labels, map[string]string{stevedore.LabelManaged: "true"})
	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, r.specOptions(spec)...)
	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
	}
	if strings.TrimSpace(spec.Snapshotter) != "" {
		containerOpts = append(containerOpts, containerd.WithSnapshotter(spec.Snapshotter))
	}
	containerOpts = append(containerOpts,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	container, err := r.client.NewContainer(ctx, spec.Name, containerOpts...)
	if err != nil {
		log.Warn("containerd create container failed", "err", err)
		return nil, err
	}
	log.Info("containerd container created", "id", container.ID())

	state := &containerState{container: container, autoRemove: spec.AutoRemove}
	if strings.TrimSpace(spec.Log.Driver) != "" {
		endpoint, err := syslogio.ParseEndpoint(spec.Log.Address)
		if err == nil {
			state.relay, err = syslogio.DialRelay(endpoint, spec.Log.Tag)
		}
		if err != nil {
			_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
			log.Warn("containerd syslog relay failed", "err", err)
			return nil, err
		}
		state.stdout = state.relay.Stdout()
		state.stderr = state.relay.Stderr()
	}
	stdout := io.Writer(io.Discard)
	stderr := io.Writer(io.Discard)
	if state.stdout != nil {
		stdout = state.stdout
		stderr = state.stderr
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		r.teardown(ctx, state)
		log.Warn("containerd task create failed", "err", err)
		return nil, err
	}
	state.task = task
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		r.teardown(ctx, state)
		log.Warn("containerd task start failed", "err", err)
		return nil, err
	}
	log.Info("containerd task started", "id", task.ID())

	r.mu.Lock()
	r.states[spec.Name] = state
	r.mu.Unlock()
	return &handle{name: spec.Name, id: container.ID()}, nil
}

// Wait blocks until the task exits and returns its exit code. Auto-remove
// cleanup (task delete, container delete, snapshot cleanup, relay close)
// happens here, after the exit status is captured.
func (r *Runtime) Wait(ctx context.Context, h stevedore.Handle) (stevedore.RunResult, error) {
	if h == nil {
		return stevedore.RunResult{}, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("containerd wait start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	r.mu.Lock()
	state := r.states[h.Name()]
	r.mu.Unlock()

	task := state.taskOrNil()
	if task == nil {
		container, err := r.client.LoadContainer(ctx, h.Name())
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return stevedore.RunResult{}, err
		}
		task, err = container.Task(ctx, nil)
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return stevedore.RunResult{}, err
		}
	}

	started := time.Now()
	statusCh, err := task.Wait(ctx)
	if err != nil {
		log.Warn("containerd wait failed", "err", err)
		return stevedore.RunResult{}, err
	}
	select {
	case status := <-statusCh:
		code, _, err := status.Result()
		finished := time.Now()
		if state != nil {
			r.mu.Lock()
			delete(r.states, h.Name())
			r.mu.Unlock()
			cleanupCtx := namespaces.WithNamespace(context.Background(), r.namespace)
			if state.autoRemove {
				_, _ = task.Delete(cleanupCtx)
				_ = state.container.Delete(cleanupCtx, containerd.WithSnapshotCleanup)
			}
			state.closeStreams()
		}
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return stevedore.RunResult{}, err
		}
		log.Info("containerd wait ok", "exit_code", int(code), "duration_ms", finished.Sub(started).Milliseconds())
		return stevedore.RunResult{ExitCode: int(code), Started: started, Finished: finished}, nil
	case <-ctx.Done():
		log.Warn("containerd wait canceled", "err", ctx.Err())
		return stevedore.RunResult{}, ctx.Err()
	}
}

// Stop stops a running container task.
func (r *Runtime) Stop(ctx context.Context, h stevedore.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("containerd stop start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "not found")
			return nil
		}
		log.Warn("containerd stop failed", "err", err)
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "task not found")
			return nil
		}
		log.Warn("containerd stop failed", "err", err)
		return err
	}
	_ = task.Kill(ctx, syscall.SIGTERM)
	_, _ = task.Delete(ctx)
	log.Info("containerd stop ok")
	return nil
}

// Remove deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, h stevedore.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("containerd remove start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	r.mu.Lock()
	state := r.states[h.Name()]
	delete(r.states, h.Name())
	r.mu.Unlock()
	if state != nil {
		state.closeStreams()
	}

	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd remove skipped", "reason", "not found")
			return nil
		}
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Info("containerd remove ok")
	return nil
}

// Janitor stops and removes managed containers.
func (r *Runtime) Janitor(ctx context.Context, spec stevedore.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("containerd janitor start")
	nsCtx := namespaces.WithNamespace(ctx, r.namespace)
	containers, err := r.client.Containers(nsCtx)
	if err != nil {
		log.Warn("containerd janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	now := time.Now()
	for _, container := range containers {
		info, err := container.Info(nsCtx)
		if err != nil {
			continue
		}
		if !matchesLabels(info.Labels, spec.LabelSelector) {
			continue
		}
		if info.Labels[stevedore.LabelManaged] != "true" {
			continue
		}
		if spec.MinAge > 0 && now.Sub(info.CreatedAt) < spec.MinAge {
			continue
		}
		h := &handle{name: info.ID, id: info.ID}
		_ = r.Stop(ctx, h)
		if err := r.Remove(ctx, h); err == nil {
			removed++
		}
	}
	log.Info("containerd janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) specOptions(spec stevedore.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{}
	opts = append(opts, oci.WithEnv(flattenEnv(spec.Env)))
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(mapMounts(spec.Mounts)))
	}
	if spec.HostNetwork {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	return opts
}

func (s *containerState) taskOrNil() containerd.Task {
	if s == nil {
		return nil
	}
	return s.task
}

func (s *containerState) closeStreams() {
	if s == nil {
		return
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
	if s.relay != nil {
		_ = s.relay.Close()
	}
}

func (r *Runtime) teardown(ctx context.Context, state *containerState) {
	if state == nil {
		return
	}
	state.closeStreams()
	if state.container != nil {
		_ = state.container.Delete(ctx, containerd.WithSnapshotCleanup)
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func mergeLabels(base map[string]string, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func matchesLabels(labels map[string]string, selector map[string]string) bool {
	if len(selector) == 0 {
		return true
	}
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func mapMounts(mounts []stevedore.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, mount := range mounts {
		opts := []string{"rbind"}
		if mount.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Type:        "bind",
			Source:      mount.Source,
			Destination: mount.Target,
			Options:     opts,
		})
	}
	return out
}

func candidateAddresses(primary string, name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
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
		add(filepath.Join(runtimeDir, name, name+".sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, name, name+".sock"))
	}
	add(filepath.Join("/run", name, name+".sock"))
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "unix://") {
		addr = strings.TrimPrefix(addr, "unix://")
	}
	if strings.HasPrefix(addr, "unix:") {
		addr = strings.TrimPrefix(addr, "unix:")
	}
	return addr
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
