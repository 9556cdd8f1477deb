// Package docker реализует runtime.Runtime поверх Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/runtime"
)

const (
	// LabelManager помечает контейнеры, которыми владеет этот сервис.
	LabelManager      = "manager"
	LabelManagerValue = "agentfleet"
	// LabelAgentSlug — какому агенту принадлежит контейнер.
	LabelAgentSlug = "agent-slug"

	healthPollInterval = 500 * time.Millisecond
)

// Runtime управляет контейнерами агентов: один контейнер agent-<slug> на агента.
type Runtime struct {
	cli    *client.Client
	cfg    infra.RuntimeConfig
	tokens runtime.TokenIssuer
	http   *http.Client
	logger *zap.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New создаёт docker-клиент из окружения (DOCKER_HOST и т.д.).
func New(cfg infra.RuntimeConfig, tokens runtime.TokenIssuer, logger *zap.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{
		cli:    cli,
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: logger.With(zap.String("mod", "docker")),
	}, nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) Host() string {
	return r.cfg.Host
}

func containerName(slug string) string {
	return "agent-" + slug
}

func (r *Runtime) exposedPort() nat.Port {
	return nat.Port(r.cfg.ContainerPort + "/tcp")
}

// Start поднимает контейнер и ждёт, пока он ответит на /healthz.
func (r *Runtime) Start(ctx context.Context, slug string) error {
	name := containerName(slug)

	c, err := r.cli.ContainerInspect(ctx, name)
	switch {
	case client.IsErrNotFound(err):
		if err := r.create(ctx, slug); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("inspect container %s: %w", name, err)
	case c.State != nil && c.State.Running:
		// уже работает, проверим готовность ниже
	default:
		if err := r.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", name, err)
		}
	}

	c, err = r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", name, err)
	}
	port, ok := hostPort(c, r.exposedPort())
	if !ok {
		return fmt.Errorf("container %s running but port %s not mapped", name, r.exposedPort())
	}

	if err := r.waitForHealth(ctx, port); err != nil {
		return err
	}
	r.logger.Info("container started", zap.String("agent", slug), zap.Int("port", port))
	return nil
}

func (r *Runtime) create(ctx context.Context, slug string) error {
	token, err := r.tokens.GetOrCreate(ctx, slug)
	if err != nil {
		return fmt.Errorf("issue proxy token: %w", err)
	}

	cfg := &container.Config{
		Image: r.cfg.Image,
		Env: []string{
			"AGENT_SLUG=" + slug,
			"MCP_PROXY_URL=" + r.cfg.ProxyURL + "/" + slug,
			"MCP_PROXY_TOKEN=" + token,
		},
		ExposedPorts: nat.PortSet{r.exposedPort(): {}},
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelAgentSlug: slug,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			r.exposedPort(): []nat.PortBinding{{HostIP: r.cfg.Host, HostPort: "0"}},
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if r.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(slug))
	if err != nil {
		return fmt.Errorf("create container for %s: %w", slug, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container for %s: %w", slug, err)
	}
	return nil
}

// Stop останавливает и удаляет контейнер агента.
func (r *Runtime) Stop(ctx context.Context, slug string) error {
	name := containerName(slug)
	timeout := int(r.cfg.StopTimeout.Seconds())

	if err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	if err := r.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	r.logger.Info("container stopped", zap.String("agent", slug))
	return nil
}

// Info читает состояние контейнера у Docker.
func (r *Runtime) Info(ctx context.Context, slug string) (domain.ContainerInfo, error) {
	c, err := r.cli.ContainerInspect(ctx, containerName(slug))
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.ContainerInfo{Status: domain.ContainerStopped}, nil
		}
		return domain.ContainerInfo{}, fmt.Errorf("inspect container: %w", err)
	}
	return infoFromInspect(c, r.exposedPort()), nil
}

func infoFromInspect(c types.ContainerJSON, port nat.Port) domain.ContainerInfo {
	if c.ContainerJSONBase == nil || c.State == nil {
		return domain.ContainerInfo{Status: domain.ContainerStopped}
	}

	info := domain.ContainerInfo{Status: statusFromState(c.State.Status, c.State.Running)}
	if info.Status == domain.ContainerRunning {
		if p, ok := hostPort(c, port); ok {
			info.Port = &p
		}
	}
	return info
}

func statusFromState(state string, running bool) domain.ContainerStatus {
	if running && state != "restarting" {
		return domain.ContainerRunning
	}
	switch state {
	case "created", "restarting":
		return domain.ContainerStarting
	default:
		return domain.ContainerStopped
	}
}

func hostPort(c types.ContainerJSON, port nat.Port) (int, bool) {
	if c.NetworkSettings == nil {
		return 0, false
	}
	bindings := c.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, false
	}
	p, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, false
	}
	return p, true
}

// waitForHealth опрашивает /healthz, пока контейнер не ответит 200 или не выйдет StartTimeout.
func (r *Runtime) waitForHealth(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://%s:%d/healthz", r.cfg.Host, port)
	return waitForHealth(ctx, r.http, url, r.cfg.StartTimeout)
}

func waitForHealth(ctx context.Context, hc *http.Client, url string, timeout time.Duration) error {
	attempts := uint(timeout / healthPollInterval)
	if attempts == 0 {
		attempts = 1
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(healthPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthz returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for container health: %w", err)
		}
		return fmt.Errorf("container not healthy: %w", err)
	}
	return nil
}
