// Package stevedore abstracts the container engines the launcher drives:
// building images and running single containers to completion.
package stevedore

import "context"

// Runtime manages container lifecycles on one engine backend.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	EnsureImage(ctx context.Context, image string) error
	Start(ctx context.Context, spec ContainerSpec) (Handle, error)
	Wait(ctx context.Context, handle Handle) (RunResult, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
}

// Builder builds container images.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
}

// BuilderWithEvents streams build progress events.
type BuilderWithEvents interface {
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// ImageImporter loads a built OCI archive into the engine's image
// store. Engines whose builder stores images directly do not need it.
type ImageImporter interface {
	Import(ctx context.Context, tarPath string, tags []string) error
}

// Handle represents a started container.
type Handle interface {
	Name() string
	ID() string
}

// LabelManaged marks containers created by this launcher so the janitor
// never touches foreign containers.
const LabelManaged = "stevedore.managed"

// LabelName carries the launch name on created containers.
const LabelName = "nrtlaunch.name"
