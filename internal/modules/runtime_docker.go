package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/lapsproject/laps/internal/config"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
)

// DockerRuntime adapts the host docker daemon to the Runtime interface.
type DockerRuntime struct {
	client *client.Client
}

// ConnectDocker dials the docker daemon and pings it once.
func ConnectDocker(ctx context.Context, cfg config.Docker) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}
	if _, err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("docker: ping: %w", err)
	}
	logging.Component("docker").Info("connected to docker daemon")
	return &DockerRuntime{client: c}, nil
}

func (r *DockerRuntime) BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error) {
	resp, err := r.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", ecode.Wrap(ecode.KindBuildFailed, "starting build", err)
	}
	defer resp.Body.Close()

	// The build endpoint streams JSON messages; collect the log and
	// surface any embedded error.
	var log strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return log.String(), ecode.Wrap(ecode.KindBuildFailed, "reading build output", err)
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Error != "" {
			log.WriteString(msg.Error)
			return log.String(), ecode.Newf(ecode.KindBuildFailed, "image build: %s", msg.Error)
		}
	}
	return log.String(), nil
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	// Host networking keeps the shim's broker address identical inside
	// and outside the container.
	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			Env:        cfg.Env,
			Labels:     cfg.Labels,
			StopSignal: "SIGTERM",
		},
		&container.HostConfig{NetworkMode: "host"},
		nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("docker: create container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker: stop container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) RemoveImage(ctx context.Context, tag string) error {
	_, err := r.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove image: %w", err)
	}
	return nil
}

func (r *DockerRuntime) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ecode.Newf(ecode.KindNotFound, "container %s", id)
		}
		return nil, fmt.Errorf("docker: inspect container: %w", err)
	}
	state := &ContainerState{ID: id}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.ExitCode = inspect.State.ExitCode
		state.Error = inspect.State.Error
	}
	return state, nil
}

func (r *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	out := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, ContainerSummary{
			ID:      c.ID,
			Image:   c.Image,
			Labels:  c.Labels,
			Running: c.State == "running",
		})
	}
	return out, nil
}

func (r *DockerRuntime) ListImages(ctx context.Context, prefix string) ([]string, error) {
	list, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: list images: %w", err)
	}
	var out []string
	for _, img := range list {
		for _, tag := range img.RepoTags {
			if strings.HasPrefix(tag, prefix+"/") {
				out = append(out, tag)
			}
		}
	}
	return out, nil
}

func (r *DockerRuntime) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	logs, err := r.client.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("docker: container logs: %w", err)
	}
	defer logs.Close()
	return demuxLogs(logs), nil
}

// demuxLogs strips the 8-byte stream headers docker multiplexes stdout
// and stderr with.
func demuxLogs(r io.Reader) string {
	var out strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return out.String()
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return out.String()
		}
		out.Write(payload)
	}
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

func (r *DockerRuntime) Close() error { return r.client.Close() }

var _ Runtime = (*DockerRuntime)(nil)
