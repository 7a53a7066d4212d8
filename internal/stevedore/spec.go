package stevedore

import "time"

// LogSpec routes a container's output to a remote syslog collector.
// Address is a URI of the form udp://host:port (tcp also accepted by
// engines that support it); Tag is the syslog tag applied to every line.
type LogSpec struct {
	Driver  string
	Address string
	Tag     string
}

// Mount describes a host bind mount to place inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a single container launch.
type ContainerSpec struct {
	Name        string
	Image       string
	Snapshotter string
	Env         map[string]string
	Labels      map[string]string
	Command     []string
	WorkingDir  string
	Mounts      []Mount
	Log         LogSpec
	AutoRemove  bool
	HostNetwork bool
}

// BuildSpec describes a container image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
	OutputPath        string
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// RunResult captures container completion metadata.
type RunResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build vertex start event.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build vertex completion event.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog indicates a build log event.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning indicates a build warning event.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// JanitorSpec prunes managed containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}
