package podman

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
)

func TestRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	ensureTestImage(t, rt, "docker.io/library/busybox:1.36")
	name := fmt.Sprintf("nrtlaunch-test-%d", time.Now().UnixNano())
	spec := stevedore.ContainerSpec{
		Name:       name,
		Image:      "docker.io/library/busybox:1.36",
		Command:    []string{"sh", "-c", "echo done; exit 7"},
		AutoRemove: true,
		Labels: map[string]string{
			stevedore.LabelName: name,
		},
	}

	handle, err := rt.Start(ctx, spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Stop(ctx, handle)
		_ = rt.Remove(ctx, handle)
	})

	result, err := rt.Wait(ctx, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
}

func TestRuntimeRejectsDuplicateName(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	ensureTestImage(t, rt, "docker.io/library/busybox:1.36")
	name := fmt.Sprintf("nrtlaunch-dup-%d", time.Now().UnixNano())
	spec := stevedore.ContainerSpec{
		Name:    name,
		Image:   "docker.io/library/busybox:1.36",
		Command: []string{"sh", "-c", "sleep 60"},
	}

	handle, err := rt.Start(ctx, spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Stop(ctx, handle)
		_ = rt.Remove(ctx, handle)
	})

	if _, err := rt.Start(ctx, spec); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestRuntimeJanitor(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	ensureTestImage(t, rt, "docker.io/library/busybox:1.36")
	name := fmt.Sprintf("nrtlaunch-janitor-%d", time.Now().UnixNano())
	spec := stevedore.ContainerSpec{
		Name:    name,
		Image:   "docker.io/library/busybox:1.36",
		Command: []string{"sh", "-c", "sleep 60"},
		Labels: map[string]string{
			stevedore.LabelName: name,
		},
	}
	handle, err := rt.Start(ctx, spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Stop(ctx, handle)
		_ = rt.Remove(ctx, handle)
	})

	removed, err := rt.Janitor(ctx, stevedore.JanitorSpec{
		LabelSelector: map[string]string{stevedore.LabelName: name},
	})
	if err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	if removed == 0 {
		t.Fatalf("Janitor removed 0 containers")
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping podman integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := os.Getenv("NRTLAUNCH_PODMAN_ADDR")
	rt, err := New(ctx, Config{Address: addr})
	if err != nil {
		t.Skipf("podman not available: %v", err)
	}
	return rt
}

func ensureTestImage(t *testing.T, rt *Runtime, image string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := rt.EnsureImage(ctx, image); err != nil {
		t.Fatalf("EnsureImage(%s): %v", image, err)
	}
}
