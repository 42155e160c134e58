package container

import (
	"context"
	"fmt"
	"io"

	ctypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Label values identifying containers owned by this process.
const (
	labelManagedBy = "managed-by"
	labelJobID     = "job.id"
	labelAttempt   = "job.attempt"
	labelToken     = "job.token"
	managedBy      = "jobscheduler"
)

// spec describes the container for one attempt.
type spec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Labels   map[string]string
	NanoCPUs int64
	MemoryMB int64
}

// engine is the subset of the Docker Engine API the service needs.
type engine interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, s spec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, id string, stopTimeoutSeconds int) error
	ListManaged(ctx context.Context) ([]string, error)
	Close() error
}

// dockerEngine implements engine on the Docker client.
type dockerEngine struct {
	cli *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// EnsureImage pulls ref unless it is already present.
func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) Create(ctx context.Context, s spec) (string, error) {
	cfg := &ctypes.Config{
		Image:  s.Image,
		Cmd:    s.Cmd,
		Env:    s.Env,
		Labels: s.Labels,
	}
	hostCfg := &ctypes.HostConfig{
		Resources: ctypes.Resources{
			NanoCPUs: s.NanoCPUs,
			Memory:   s.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, s.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, ctypes.StartOptions{})
}

// Wait blocks until the container stops and returns its exit code.
func (e *dockerEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, ctypes.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (e *dockerEngine) Remove(ctx context.Context, id string, stopTimeoutSeconds int) error {
	_ = e.cli.ContainerStop(ctx, id, ctypes.StopOptions{Timeout: &stopTimeoutSeconds})
	return e.cli.ContainerRemove(ctx, id, ctypes.RemoveOptions{Force: true})
}

// ListManaged returns the IDs of all containers labelled as ours, running or not.
func (e *dockerEngine) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := e.cli.ContainerList(ctx, ctypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}
