package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
	"pkt.systems/pslog"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements stevedore.Runtime using Podman's HTTP API. Syslog
// logging is delegated to the engine's log driver via HostConfig.
type Runtime struct {
	client      *apiClient
	pullTimeout time.Duration
	usernsMode  string

	mu    sync.Mutex
	waits map[string]chan waitOutcome
}

// waitOutcome carries the result of an exit wait dispatched at start time.
type waitOutcome struct {
	code int
	err  error
}

// New constructs a Podman runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	addresses := socketCandidates(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("podman connect attempt", "address", addr)
		cl, err := dialSocket(addr)
		if err != nil {
			log.Warn("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("podman ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		log.Info("podman runtime ready", "address", addr)
		return &Runtime{
			client:      cl,
			pullTimeout: timeout,
			usernsMode:  strings.TrimSpace(cfg.UserNSMode),
			waits:       make(map[string]chan waitOutcome),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error { return nil }

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		r.logger(ctx).Warn("podman image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	log.Debug("podman image exists check")
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/libpod/images/%s/exists", imageRefPath(image)), nil, nil, "")
	if err != nil {
		log.Warn("podman image check failed", "err", err)
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Debug("podman image missing")
		return false, nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman image check failed", "status", res.StatusCode)
		return false, apiError(res)
	}
	log.Debug("podman image present")
	return true, nil
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("podman ensure image ok")
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err := r.client.do(pullCtx, "POST", "/images/create", query, nil, "")
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman image pull failed", "status", res.StatusCode)
		return apiError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	log.Info("podman ensure image ok")
	return nil
}

// Start creates and starts a container. A container with the same name
// already present on the engine is an error: a prior run is either still
// live or escaped auto-removal, and the launcher never adopts it.
func (r *Runtime) Start(ctx context.Context, spec stevedore.ContainerSpec) (stevedore.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("podman start")
	_, exists, err := r.inspectContainer(ctx, spec.Name)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if exists {
		log.Warn("podman start rejected", "reason", "name in use")
		return nil, fmt.Errorf("container %q already exists", spec.Name)
	}
	created, err := r.createContainer(ctx, spec)
	if err != nil {
		log.Warn("podman create failed", "err", err)
		return nil, err
	}
	log.Info("podman container created", "id", created.ID)
	r.beginWait(ctx, created.ID)
	if err := r.startContainer(ctx, created.ID); err != nil {
		r.takeWait(created.ID)
		log.Warn("podman start failed", "err", err)
		return nil, err
	}
	log.Info("podman container started", "id", created.ID)
	return &handle{name: spec.Name, id: created.ID}, nil
}

// Wait blocks until the container exits and returns its exit code. For
// containers started by this runtime the exit wait was dispatched before
// the start call, so a fast auto-removed container cannot slip away
// between start and wait.
func (r *Runtime) Wait(ctx context.Context, h stevedore.Handle) (stevedore.RunResult, error) {
	if h == nil {
		return stevedore.RunResult{}, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman wait start")
	started := time.Now()
	if ch := r.takeWait(h.ID()); ch != nil {
		select {
		case out := <-ch:
			if out.err != nil {
				log.Warn("podman wait failed", "err", out.err)
				return stevedore.RunResult{}, out.err
			}
			finished := time.Now()
			log.Info("podman wait ok", "exit_code", out.code, "duration_ms", finished.Sub(started).Milliseconds())
			return stevedore.RunResult{ExitCode: out.code, Started: started, Finished: finished}, nil
		case <-ctx.Done():
			log.Warn("podman wait canceled", "err", ctx.Err())
			return stevedore.RunResult{}, ctx.Err()
		}
	}

	// Handle from another process; wait on the live container directly.
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/wait", url.PathEscape(h.ID())), nil, nil, "")
	if err != nil {
		log.Warn("podman wait failed", "err", err)
		return stevedore.RunResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman wait failed", "status", res.StatusCode)
		return stevedore.RunResult{}, apiError(res)
	}
	code, err := decodeWait(res.Body)
	if err != nil {
		log.Warn("podman wait failed", "err", err)
		return stevedore.RunResult{}, err
	}
	finished := time.Now()
	log.Info("podman wait ok", "exit_code", code, "duration_ms", finished.Sub(started).Milliseconds())
	return stevedore.RunResult{ExitCode: code, Started: started, Finished: finished}, nil
}

// beginWait dispatches the exit wait with condition=next-exit before the
// container is started. With AutoRemove set the engine may reap a fast
// container immediately after exit; a wait issued afterwards would 404.
func (r *Runtime) beginWait(ctx context.Context, id string) {
	ch := make(chan waitOutcome, 1)
	r.mu.Lock()
	r.waits[id] = ch
	r.mu.Unlock()
	go func() {
		query := url.Values{}
		query.Set("condition", "next-exit")
		res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/wait", url.PathEscape(id)), query, nil, "")
		if err != nil {
			ch <- waitOutcome{err: err}
			return
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode >= 300 {
			ch <- waitOutcome{err: apiError(res)}
			return
		}
		code, err := decodeWait(res.Body)
		ch <- waitOutcome{code: code, err: err}
	}()
}

func (r *Runtime) takeWait(id string) chan waitOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.waits[id]
	delete(r.waits, id)
	return ch
}

func decodeWait(body io.Reader) (int, error) {
	var wait waitResponse
	if err := json.NewDecoder(body).Decode(&wait); err != nil {
		return 0, err
	}
	if wait.Error != nil && strings.TrimSpace(wait.Error.Message) != "" {
		return 0, errors.New(wait.Error.Message)
	}
	return wait.StatusCode, nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, h stevedore.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman stop start")
	query := url.Values{}
	query.Set("timeout", "10")
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/stop", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 || res.StatusCode == 404 {
		log.Info("podman stop skipped", "status", res.StatusCode)
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman stop failed", "status", res.StatusCode)
		return apiError(res)
	}
	log.Info("podman stop ok")
	return nil
}

// Remove removes a container.
func (r *Runtime) Remove(ctx context.Context, h stevedore.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, "DELETE", fmt.Sprintf("/containers/%s", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Info("podman remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove failed", "status", res.StatusCode)
		return apiError(res)
	}
	log.Info("podman remove ok")
	return nil
}

// Janitor prunes managed containers by label.
func (r *Runtime) Janitor(ctx context.Context, spec stevedore.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("podman janitor start")
	filters := map[string][]string{}
	labels := []string{stevedore.LabelManaged + "=true"}
	for k, v := range spec.LabelSelector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s=%s", k, v))
	}
	filters["label"] = labels
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filterJSON))
	res, err := r.client.do(ctx, "GET", "/containers/json", query, nil, "")
	if err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman janitor failed", "status", res.StatusCode)
		return 0, apiError(res)
	}
	var list []containerListItem
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-spec.MinAge)
	for _, item := range list {
		if spec.MinAge > 0 {
			created := time.Unix(item.Created, 0)
			if created.After(cutoff) {
				continue
			}
		}
		autoRemove := false
		if inspect, ok, err := r.inspectContainer(ctx, item.ID); err == nil && ok {
			autoRemove = inspect.HostConfig.AutoRemove
		}
		h := &handle{name: containerName(item), id: item.ID}
		_ = r.Stop(ctx, h)
		if autoRemove {
			removed++
			continue
		}
		if err := r.Remove(ctx, h); err != nil {
			log.Warn("podman janitor failed", "err", err)
			return removed, err
		}
		removed++
	}
	log.Info("podman janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) inspectContainer(ctx context.Context, name string) (inspectContainer, bool, error) {
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/containers/%s/json", url.PathEscape(name)), nil, nil, "")
	if err != nil {
		return inspectContainer{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		return inspectContainer{}, false, nil
	}
	if res.StatusCode >= 300 {
		return inspectContainer{}, false, apiError(res)
	}
	var inspect inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return inspectContainer{}, false, err
	}
	return inspect, true, nil
}

func (r *Runtime) createContainer(ctx context.Context, spec stevedore.ContainerSpec) (createResponse, error) {
	labels := mergeLabels(spec.Labels, map[string]string{stevedore.LabelManaged: "true"})
	req := map[string]any{
		"Image":      spec.Image,
		"Cmd":        spec.Command,
		"WorkingDir": spec.WorkingDir,
		"Labels":     labels,
	}
	env := envMapToSlice(spec.Env)
	if len(env) > 0 {
		req["Env"] = env
	}
	hostConfig := map[string]any{}
	if spec.HostNetwork {
		hostConfig["NetworkMode"] = "host"
	}
	if spec.AutoRemove {
		hostConfig["AutoRemove"] = true
	}
	if r.usernsMode != "" {
		hostConfig["UsernsMode"] = r.usernsMode
	}
	if logConfig := buildLogConfig(spec.Log); logConfig != nil {
		hostConfig["LogConfig"] = logConfig
	}
	if binds := buildBinds(spec.Mounts); len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	if len(hostConfig) > 0 {
		req["HostConfig"] = hostConfig
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	res, err := r.client.do(ctx, "POST", "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, apiError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return createResponse{}, err
	}
	if created.ID == "" {
		return createResponse{}, errors.New("podman create did not return container id")
	}
	return created, nil
}

func (r *Runtime) startContainer(ctx context.Context, id string) error {
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/start", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 {
		return nil
	}
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return nil
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

func mergeLabels(a, b map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func buildBinds(mounts []stevedore.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		entry := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			entry += ":ro"
		}
		out = append(out, entry)
	}
	return out
}

// buildLogConfig maps a LogSpec onto the Docker-compatible HostConfig
// shape. Addresses pass through verbatim; the engine validates them.
func buildLogConfig(log stevedore.LogSpec) map[string]any {
	driver := strings.TrimSpace(log.Driver)
	if driver == "" {
		return nil
	}
	opts := map[string]string{}
	if strings.TrimSpace(log.Address) != "" {
		opts["syslog-address"] = log.Address
	}
	if strings.TrimSpace(log.Tag) != "" {
		opts["tag"] = log.Tag
	}
	return map[string]any{
		"Type":   driver,
		"Config": opts,
	}
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if at := strings.Index(image, "@"); at != -1 {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// handle represents a podman container handle.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
