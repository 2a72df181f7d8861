package modules

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lapsproject/laps/internal/ecode"
)

// FakeRuntime is an in-process Runtime for tests and local development
// without a docker daemon. Containers are inert records; tests drive
// their lifecycle with Crash and helper accessors.
type FakeRuntime struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	nextID     int

	// BuildError, when set, makes BuildImage fail with this log.
	BuildError string
	// OnStart, when set, runs in a goroutine after StartContainer.
	// Tests use it to publish the readiness ping the way the shim does.
	OnStart func(id string, cfg ContainerConfig)
}

type fakeContainer struct {
	cfg      ContainerConfig
	running  bool
	exitCode int
	logs     string
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
	}
}

func (r *FakeRuntime) BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error) {
	if buildContext != nil {
		_, _ = io.Copy(io.Discard, buildContext)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BuildError != "" {
		return r.BuildError, ecode.Newf(ecode.KindBuildFailed, "image build: %s", r.BuildError)
	}
	r.images[tag] = true
	return "Successfully built " + tag + "\n", nil
}

func (r *FakeRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.images[cfg.Image] {
		return "", fmt.Errorf("fake runtime: no such image %q", cfg.Image)
	}
	r.nextID++
	id := fmt.Sprintf("fake-%d", r.nextID)
	r.containers[id] = &fakeContainer{cfg: cfg}
	return id, nil
}

func (r *FakeRuntime) StartContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("fake runtime: no such container %q", id)
	}
	c.running = true
	onStart := r.OnStart
	cfg := c.cfg
	r.mu.Unlock()

	if onStart != nil {
		go onStart(id, cfg)
	}
	return nil
}

func (r *FakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("fake runtime: no such container %q", id)
	}
	c.running = false
	c.exitCode = 0
	return nil
}

func (r *FakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *FakeRuntime) RemoveImage(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.images, tag)
	return nil
}

func (r *FakeRuntime) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, ecode.Newf(ecode.KindNotFound, "container %s", id)
	}
	return &ContainerState{ID: id, Running: c.running, ExitCode: c.exitCode}, nil
}

func (r *FakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ContainerSummary
	for id, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.cfg.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, ContainerSummary{
				ID:      id,
				Image:   c.cfg.Image,
				Labels:  c.cfg.Labels,
				Running: c.running,
			})
		}
	}
	return out, nil
}

func (r *FakeRuntime) ListImages(ctx context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for tag := range r.images {
		if strings.HasPrefix(tag, prefix+"/") {
			out = append(out, tag)
		}
	}
	return out, nil
}

func (r *FakeRuntime) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", ecode.Newf(ecode.KindNotFound, "container %s", id)
	}
	return c.logs, nil
}

func (r *FakeRuntime) Ping(ctx context.Context) error { return nil }

func (r *FakeRuntime) Close() error { return nil }

// Crash marks a container as exited with the given code, as the probe
// would observe after the process died.
func (r *FakeRuntime) Crash(id string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.running = false
		c.exitCode = exitCode
	}
}

// HasImage reports whether a tag is present.
func (r *FakeRuntime) HasImage(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[tag]
}

// AddImage registers an image tag without a build, for reconcile tests.
func (r *FakeRuntime) AddImage(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[tag] = true
}

// RunningContainers returns the IDs of running containers.
func (r *FakeRuntime) RunningContainers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, c := range r.containers {
		if c.running {
			out = append(out, id)
		}
	}
	return out
}

var _ Runtime = (*FakeRuntime)(nil)
