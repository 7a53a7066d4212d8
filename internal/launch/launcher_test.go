package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgassert/nrt-launcher/internal/stevedore"
)

type fakeHandle struct {
	name string
	id   string
}

func (h fakeHandle) Name() string { return h.name }
func (h fakeHandle) ID() string   { return h.id }

type fakeRuntime struct {
	images      map[string]bool
	started     []stevedore.ContainerSpec
	waitResult  stevedore.RunResult
	waitErr     error
	startErr    error
	stopped     int
	removed     int
	imageExists func(image string) (bool, error)
}

func (r *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	if r.imageExists != nil {
		return r.imageExists(image)
	}
	return r.images[image], nil
}

func (r *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	if r.images == nil {
		r.images = map[string]bool{}
	}
	r.images[image] = true
	return nil
}

func (r *fakeRuntime) Start(_ context.Context, spec stevedore.ContainerSpec) (stevedore.Handle, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started = append(r.started, spec)
	return fakeHandle{name: spec.Name, id: "cid-" + spec.Name}, nil
}

func (r *fakeRuntime) Wait(_ context.Context, _ stevedore.Handle) (stevedore.RunResult, error) {
	if r.waitErr != nil {
		return stevedore.RunResult{}, r.waitErr
	}
	return r.waitResult, nil
}

func (r *fakeRuntime) Stop(_ context.Context, _ stevedore.Handle) error {
	r.stopped++
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, _ stevedore.Handle) error {
	r.removed++
	return nil
}

func (r *fakeRuntime) Janitor(_ context.Context, _ stevedore.JanitorSpec) (int, error) {
	return 0, nil
}

type fakeBuilder struct {
	builds []stevedore.BuildSpec
	err    error
}

func (b *fakeBuilder) Build(_ context.Context, spec stevedore.BuildSpec) (stevedore.BuildResult, error) {
	if b.err != nil {
		return stevedore.BuildResult{}, b.err
	}
	b.builds = append(b.builds, spec)
	return stevedore.BuildResult{ImageNames: spec.Tags}, nil
}

func testConfig(t *testing.T, name string) Config {
	t.Helper()
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("CARTO_USER=wri\nCARTO_KEY=secret\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return Config{
		Name:          name,
		LogEndpoint:   "udp://localhost:5090",
		DataDir:       filepath.Join(dir, "data"),
		EnvFile:       envFile,
		ContextDir:    dir,
		Containerfile: filepath.Join(dir, "Dockerfile"),
		BuildTimeout:  time.Minute,
	}
}

func TestBuildTagsImageWithNameVerbatim(t *testing.T) {
	cfg := testConfig(t, "cli_041_antarctica_ice")
	builder := &fakeBuilder{}
	l := New(cfg, &fakeRuntime{}, builder)

	image, err := l.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if image != cfg.Name {
		t.Fatalf("image = %q, want %q", image, cfg.Name)
	}
	if len(builder.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(builder.builds))
	}
	tags := builder.builds[0].Tags
	if len(tags) != 1 || tags[0] != cfg.Name {
		t.Fatalf("tags = %v, want [%q]", tags, cfg.Name)
	}
}

func TestRunUsesNameForContainerImageAndLogTag(t *testing.T) {
	cfg := testConfig(t, "soc_016_conflict")
	runtime := &fakeRuntime{
		images:     map[string]bool{cfg.Name: true},
		waitResult: stevedore.RunResult{ExitCode: 0, Started: time.Now(), Finished: time.Now()},
	}
	l := New(cfg, runtime, &fakeBuilder{})

	code, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(runtime.started) != 1 {
		t.Fatalf("started = %d containers, want 1", len(runtime.started))
	}
	spec := runtime.started[0]
	if spec.Name != cfg.Name || spec.Image != cfg.Name {
		t.Fatalf("name/image = %q/%q, want both %q", spec.Name, spec.Image, cfg.Name)
	}
	if spec.Log.Driver != "syslog" {
		t.Fatalf("log driver = %q, want syslog", spec.Log.Driver)
	}
	if spec.Log.Tag != cfg.Name {
		t.Fatalf("log tag = %q, want %q", spec.Log.Tag, cfg.Name)
	}
	if spec.Log.Address != cfg.LogEndpoint {
		t.Fatalf("log address = %q, want %q", spec.Log.Address, cfg.LogEndpoint)
	}
	if !spec.AutoRemove {
		t.Fatal("AutoRemove not set")
	}
}

func TestRunMountsDataDirAtOptNameData(t *testing.T) {
	cfg := testConfig(t, "bio_007_chlorophyll")
	runtime := &fakeRuntime{images: map[string]bool{cfg.Name: true}}
	l := New(cfg, runtime, &fakeBuilder{})

	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	spec := runtime.started[0]
	if len(spec.Mounts) != 1 {
		t.Fatalf("mounts = %d, want 1", len(spec.Mounts))
	}
	m := spec.Mounts[0]
	want := "/opt/bio_007_chlorophyll/data"
	if m.Target != want {
		t.Fatalf("mount target = %q, want %q", m.Target, want)
	}
	if m.Source != cfg.DataDir {
		t.Fatalf("mount source = %q, want %q", m.Source, cfg.DataDir)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestRunPassesEnvFileVars(t *testing.T) {
	cfg := testConfig(t, "wat_005_aqueduct")
	runtime := &fakeRuntime{images: map[string]bool{cfg.Name: true}}
	l := New(cfg, runtime, &fakeBuilder{})

	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	env := runtime.started[0].Env
	if env["CARTO_USER"] != "wri" || env["CARTO_KEY"] != "secret" {
		t.Fatalf("env = %v, missing env file values", env)
	}
}

func TestRunFailsWhenEnvFileMissing(t *testing.T) {
	cfg := testConfig(t, "ene_001_powerplants")
	cfg.EnvFile = filepath.Join(t.TempDir(), "nope.env")
	runtime := &fakeRuntime{images: map[string]bool{cfg.Name: true}}
	l := New(cfg, runtime, &fakeBuilder{})

	code, err := l.Run(context.Background())
	if !errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, want ErrRun", err)
	}
	if code == 0 {
		t.Fatal("exit code 0 for failed run")
	}
	if len(runtime.started) != 0 {
		t.Fatalf("started %d containers despite missing env file", len(runtime.started))
	}
}

func TestRunFailsWhenImageMissing(t *testing.T) {
	cfg := testConfig(t, "for_012_treecover")
	runtime := &fakeRuntime{}
	l := New(cfg, runtime, &fakeBuilder{})

	_, err := l.Run(context.Background())
	if !errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, want ErrRun", err)
	}
	if len(runtime.started) != 0 {
		t.Fatal("started a container without an image")
	}
}

func TestRunPropagatesContainerExitCode(t *testing.T) {
	cfg := testConfig(t, "cit_003_landslides")
	runtime := &fakeRuntime{
		images:     map[string]bool{cfg.Name: true},
		waitResult: stevedore.RunResult{ExitCode: 42, Started: time.Now(), Finished: time.Now()},
	}
	l := New(cfg, runtime, &fakeBuilder{})

	code, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 42 {
		t.Fatalf("exit code = %d, want 42", code)
	}
}

func TestUpBuildFailureSkipsRun(t *testing.T) {
	cfg := testConfig(t, "dis_009_volcanoes")
	runtime := &fakeRuntime{images: map[string]bool{cfg.Name: true}}
	builder := &fakeBuilder{err: fmt.Errorf("context dir does not exist")}
	l := New(cfg, runtime, builder)

	code, err := l.Up(context.Background())
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
	if errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, wraps ErrRun for a build failure", err)
	}
	if code == 0 {
		t.Fatal("exit code 0 for failed build")
	}
	if len(runtime.started) != 0 {
		t.Fatal("container started after failed build")
	}
}

func TestUpRunsAfterSuccessfulBuild(t *testing.T) {
	cfg := testConfig(t, "cli_041_antarctica_ice")
	runtime := &fakeRuntime{
		imageExists: func(string) (bool, error) { return true, nil },
		waitResult:  stevedore.RunResult{ExitCode: 0, Started: time.Now(), Finished: time.Now()},
	}
	builder := &fakeBuilder{}
	l := New(cfg, runtime, builder)

	code, err := l.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(builder.builds) != 1 || len(runtime.started) != 1 {
		t.Fatalf("builds=%d starts=%d, want 1/1", len(builder.builds), len(runtime.started))
	}
}

func TestRunWaitFailureStopsAndRemoves(t *testing.T) {
	cfg := testConfig(t, "ocn_014_reefs")
	runtime := &fakeRuntime{
		images:  map[string]bool{cfg.Name: true},
		waitErr: fmt.Errorf("engine went away"),
	}
	l := New(cfg, runtime, &fakeBuilder{})

	_, err := l.Run(context.Background())
	if !errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, want ErrRun", err)
	}
	if runtime.stopped != 1 || runtime.removed != 1 {
		t.Fatalf("stopped=%d removed=%d, want 1/1", runtime.stopped, runtime.removed)
	}
}

func TestMountTarget(t *testing.T) {
	got := MountTarget("cli_041_antarctica_ice")
	want := "/opt/cli_041_antarctica_ice/data"
	if got != want {
		t.Fatalf("MountTarget = %q, want %q", got, want)
	}
}

func TestBuildRejectsEmptyName(t *testing.T) {
	cfg := testConfig(t, "")
	l := New(cfg, &fakeRuntime{}, &fakeBuilder{})
	if _, err := l.Build(context.Background()); !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
}

func TestRunRejectsBadLogEndpoint(t *testing.T) {
	cfg := testConfig(t, "cli_041_antarctica_ice")
	cfg.LogEndpoint = "localhost"
	runtime := &fakeRuntime{images: map[string]bool{cfg.Name: true}}
	l := New(cfg, runtime, &fakeBuilder{})
	if _, err := l.Run(context.Background()); !errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, want ErrRun", err)
	}
}
