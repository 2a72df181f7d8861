package modules

import (
	"context"
	"io"
	"time"
)

// ContainerConfig describes a container to create.
type ContainerConfig struct {
	Image  string
	Name   string
	Env    []string
	Labels map[string]string
}

// ContainerState is the subset of inspect output the supervisor needs.
type ContainerState struct {
	ID       string
	Running  bool
	ExitCode int
	Error    string
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID      string
	Image   string
	Labels  map[string]string
	Running bool
}

// Runtime abstracts the container daemon. The docker adapter is the
// production implementation; FakeRuntime backs the tests.
type Runtime interface {
	// BuildImage builds an image from a tar build context and returns the
	// build log, which callers surface on failure.
	BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error)
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	// StopContainer sends the graceful signal and waits up to timeout
	// before killing.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, tag string) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error)
	// ListImages returns tags of images whose repository starts with prefix.
	ListImages(ctx context.Context, prefix string) ([]string, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	Ping(ctx context.Context) error
	Close() error
}
