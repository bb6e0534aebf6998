// Package solverhost runs the solver service as a container on the local
// Docker daemon, for deployments where the orchestrator owns the solver.
package solverhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"vrp-orchestrator/pkg/backoff"
)

const (
	labelManagedBy = "managed-by"
	labelRole      = "vrp.role"
	managedBy      = "vrp-orchestrator"
	roleSolver     = "solver"
)

// ErrExited is returned when the solver container stops before it is ready.
var ErrExited = errors.New("solver container exited")

// Host owns one solver container.
type Host struct {
	client      *client.Client
	cfg         Config
	containerID string
	baseURL     string
	probe       *http.Client
}

// Start removes solver containers left by a previous run, starts a fresh
// one and waits until its health endpoint answers.
func Start(ctx context.Context, cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()
	if cfg.Image == "" {
		return nil, fmt.Errorf("solver image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	h := &Host{
		client: dockerClient,
		cfg:    cfg,
		probe:  &http.Client{Timeout: 2 * time.Second},
	}

	if err := h.start(ctx); err != nil {
		_ = h.Close(context.Background())
		return nil, err
	}
	return h, nil
}

func (h *Host) start(ctx context.Context) error {
	logger := slog.With("image", h.cfg.Image, "container", h.cfg.Name)

	if err := h.removeStale(ctx); err != nil {
		logger.Warn("Failed to remove stale solver containers", "error", err)
	}

	if err := h.pullImageIfNeeded(ctx); err != nil {
		return fmt.Errorf("failed to pull %s: %w", h.cfg.Image, err)
	}

	id, err := h.createContainer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create solver container: %w", err)
	}
	h.containerID = id

	if err := h.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start solver container: %w", err)
	}

	baseURL, err := h.publishedURL(ctx)
	if err != nil {
		return err
	}
	h.baseURL = baseURL
	logger.Info("Solver container started", "containerId", id, "url", baseURL)

	readyCtx, cancel := context.WithTimeout(ctx, h.cfg.ReadyTimeout)
	defer cancel()
	if err := h.waitReady(readyCtx); err != nil {
		return err
	}
	logger.Info("Solver container ready")
	return nil
}

// BaseURL returns the host-reachable root URL of the solver service.
func (h *Host) BaseURL() string {
	return h.baseURL
}

// ContainerID returns the id of the solver container.
func (h *Host) ContainerID() string {
	return h.containerID
}

// Ready reports whether the solver container is still running.
func (h *Host) Ready(ctx context.Context) error {
	inspect, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return err
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("%w (status %s)", ErrExited, stateStatus(inspect.State))
	}
	return nil
}

// Close stops and removes the solver container.
func (h *Host) Close(ctx context.Context) error {
	if h.containerID != "" {
		stopTimeout := h.cfg.StopTimeout
		_ = h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &stopTimeout})
		if err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove solver container", "containerId", h.containerID, "error", err)
		}
		h.containerID = ""
	}
	return h.client.Close()
}

// removeStale force-removes containers labelled as ours from an earlier run.
func (h *Host) removeStale(ctx context.Context) error {
	containers, err := h.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("label", labelRole+"="+roleSolver),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("Removing stale solver container", "containerId", c.ID, "state", c.State)
		if err := h.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) pullImageIfNeeded(ctx context.Context) error {
	_, err := h.client.ImageInspect(ctx, h.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := h.client.ImagePull(ctx, h.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (h *Host) createContainer(ctx context.Context) (string, error) {
	port, err := nat.NewPort("tcp", h.cfg.ContainerPort)
	if err != nil {
		return "", fmt.Errorf("invalid container port %q: %w", h.cfg.ContainerPort, err)
	}

	containerConfig := &container.Config{
		Image:        h.cfg.Image,
		Env:          h.cfg.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelRole:      roleSolver,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: h.cfg.HostPort}},
		},
		ExtraHosts: h.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(h.cfg.CPU * 1e9),
			Memory:   int64(h.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := h.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, h.cfg.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		slog.Warn("Docker warning", "containerId", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

// publishedURL reads the host port Docker bound to the solver port.
func (h *Host) publishedURL(ctx context.Context) (string, error) {
	inspect, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect solver container: %w", err)
	}
	port := nat.Port(h.cfg.ContainerPort + "/tcp")
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("solver container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", fmt.Errorf("solver port %s is not published", port)
	}
	return "http://127.0.0.1:" + bindings[0].HostPort, nil
}

// waitReady polls the health endpoint until it answers 2xx, the container
// exits, or ctx is done.
func (h *Host) waitReady(ctx context.Context) error {
	cfg := &backoff.Config{Initial: 100 * time.Millisecond, Max: 2 * time.Second}
	for attempt := 1; ; attempt++ {
		if err := h.Ready(ctx); err != nil {
			return err
		}
		err := h.ping(ctx)
		if err == nil {
			return nil
		}
		slog.Debug("Solver not ready yet", "attempt", attempt, "error", err)
		if err := backoff.Sleep(ctx, backoff.Exponential(attempt, cfg)); err != nil {
			return fmt.Errorf("solver did not become ready: %w", err)
		}
	}
}

func (h *Host) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+h.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := h.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func stateStatus(s *container.State) string {
	if s == nil {
		return "unknown"
	}
	if !s.Running && s.Status == "exited" {
		return fmt.Sprintf("exited with code %d", s.ExitCode)
	}
	return string(s.Status)
}
