// Package transient implements the backend over a throwaway scheduler
// cluster provisioned on the local Docker daemon. StartCluster creates a
// network, one controller node, and N compute nodes from the configured
// image; StopCluster always deprovisions them, even after a partial start.
//
// Submission and polling reuse the local-scheduler logic through a Runner
// that execs scheduler commands inside the controller container. The
// staging tree is bind-mounted into every node at its own host path:
// submission scripts, sbatch arguments, and the worker environment all
// carry absolute staged paths, which must resolve identically on the host
// and inside the nodes.
package transient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/backend/slurm"
	"sled/internal/config"
	"sled/internal/job"
	"sled/internal/stage"
	"sled/pkg/backoff"
)

const controllerName = "sled-controller"

// Backend provisions and owns a transient scheduler cluster.
type Backend struct {
	client      *client.Client
	cfg         config.TransientConfig
	stagingRoot string
	logger      *slog.Logger

	mu         sync.Mutex
	state      backend.ClusterState
	networkID  string
	containers map[string]string // node name -> container id
	sched      *slurm.Backend
}

// New creates a transient backend. stagingRoot is bind-mounted into every
// node at the same path, so staged jobs are visible cluster-wide.
func New(cfg config.TransientConfig, stagingRoot string) (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Backend{
		client:      dockerClient,
		cfg:         cfg,
		stagingRoot: stagingRoot,
		logger:      slog.With("component", "backend", "kind", "transient"),
		state:       backend.Uninitialized,
		containers:  make(map[string]string),
	}, nil
}

func (b *Backend) Kind() string { return "transient" }

func (b *Backend) ClusterState() backend.ClusterState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StartCluster provisions the cluster and blocks until every compute node
// has registered with the controller, bounded by the provision timeout.
// A failed or timed-out start leaves the cluster deprovisioned.
func (b *Backend) StartCluster(ctx context.Context) error {
	b.mu.Lock()
	if b.state == backend.Ready {
		b.mu.Unlock()
		return nil
	}
	b.state = backend.Starting
	b.mu.Unlock()

	if err := b.provision(ctx); err != nil {
		b.deprovision(context.WithoutCancel(ctx))
		b.mu.Lock()
		b.state = backend.Uninitialized
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.state = backend.Ready
	b.mu.Unlock()
	b.logger.Info("Cluster ready", "workers", b.cfg.Workers)
	return nil
}

func (b *Backend) provision(ctx context.Context) error {
	if err := b.pullImageIfNeeded(context.WithoutCancel(ctx), b.cfg.Image); err != nil {
		return apperrors.Provision("transient.pullImage", err)
	}

	netResp, err := b.client.NetworkCreate(ctx, b.cfg.Network, network.CreateOptions{
		Labels: map[string]string{"managed-by": "sled"},
	})
	if err != nil {
		return apperrors.Provision("transient.createNetwork", err)
	}
	b.mu.Lock()
	b.networkID = netResp.ID
	b.mu.Unlock()

	if err := b.startNode(ctx, controllerName, "controller"); err != nil {
		return err
	}
	for i := range b.cfg.Workers {
		if err := b.startNode(ctx, fmt.Sprintf("sled-worker-%d", i), "worker"); err != nil {
			return err
		}
	}

	return b.awaitRegistration(ctx)
}

// startNode creates and starts one cluster node container.
func (b *Backend) startNode(ctx context.Context, name, role string) error {
	containerConfig := &container.Config{
		Image:    b.cfg.Image,
		Hostname: name,
		Env: []string{
			"SLED_NODE_ROLE=" + role,
			"SLED_CONTROLLER_HOST=" + controllerName,
		},
		Labels: map[string]string{
			"managed-by": "sled",
			"sled.node":  role,
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.cfg.Network),
		Mounts:      b.nodeMounts(),
		Resources: container.Resources{
			NanoCPUs: int64(b.cfg.CPUsPerNode * 1e9),
			Memory:   int64(b.cfg.MemoryMBPerNode) * 1024 * 1024,
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return apperrors.Provision("transient.createNode", fmt.Errorf("node %s: %w", name, err))
	}

	b.mu.Lock()
	b.containers[name] = resp.ID
	b.mu.Unlock()

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return apperrors.Provision("transient.startNode", fmt.Errorf("node %s: %w", name, err))
	}
	b.logger.Debug("Node started", "node", name, "role", role)
	return nil
}

// nodeMounts binds the staging tree into a node at its host path. The
// sbatch arguments and worker scripts embed absolute staged paths, so the
// mount target must equal the source or no job finds its inputs.
func (b *Backend) nodeMounts() []mount.Mount {
	return []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: b.stagingRoot,
			Target: b.stagingRoot,
		},
	}
}

// awaitRegistration polls the controller until every compute node reports
// in, or the provision timeout elapses.
func (b *Backend) awaitRegistration(ctx context.Context) error {
	b.mu.Lock()
	controllerID := b.containers[controllerName]
	b.mu.Unlock()
	runner := &execRunner{client: b.client, containerID: controllerID}

	deadline := time.Now().Add(b.cfg.ProvisionTimeout)
	boCfg := &backoff.Config{Initial: time.Second, Max: 10 * time.Second, Jitter: 0.2}

	for attempt := 1; ; attempt++ {
		if time.Now().After(deadline) {
			return apperrors.ProvisionTimeout("transient.await",
				fmt.Errorf("cluster not ready after %s", b.cfg.ProvisionTimeout))
		}

		stdout, _, err := runner.Run(ctx, "sinfo", "-h", "-N", "-o", "%n %t")
		if err == nil && b.registeredNodes(stdout) >= b.cfg.Workers {
			b.mu.Lock()
			b.sched = slurm.New(slurm.Options{Runner: runner})
			b.mu.Unlock()
			return b.sched.StartCluster(ctx)
		}

		select {
		case <-ctx.Done():
			return apperrors.ProvisionTimeout("transient.await", ctx.Err())
		case <-time.After(backoff.Exponential(attempt, boCfg)):
		}
	}
}

// registeredNodes counts usable nodes in "name state" listing output.
func (b *Backend) registeredNodes(listing string) int {
	count := 0
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		state := strings.TrimSuffix(fields[1], "*")
		if state == "idle" || state == "mix" || state == "alloc" {
			count++
		}
	}
	return count
}

func (b *Backend) scheduler() (*slurm.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != backend.Ready || b.sched == nil {
		return nil, apperrors.SubmissionRejected("transient.submit",
			fmt.Sprintf("cluster is %s, not ready", b.state), false)
	}
	return b.sched, nil
}

func (b *Backend) Submit(ctx context.Context, spec *job.Spec, staged *stage.StagedJob) (string, error) {
	sched, err := b.scheduler()
	if err != nil {
		return "", err
	}
	return sched.Submit(ctx, spec, staged)
}

func (b *Backend) Poll(ctx context.Context, id string) (backend.ObservedState, error) {
	b.mu.Lock()
	sched := b.sched
	b.mu.Unlock()
	if sched == nil {
		return backend.ObservedState{}, apperrors.NotFound("job", id)
	}
	return sched.Poll(ctx, id)
}

func (b *Backend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	sched := b.sched
	b.mu.Unlock()
	if sched == nil {
		return apperrors.NotFound("job", id)
	}
	return sched.Kill(ctx, id)
}

// StopCluster force-kills whatever is still running and deprovisions the
// containers and network. It always tears down, even when the drain fails.
func (b *Backend) StopCluster(ctx context.Context) error {
	b.mu.Lock()
	b.state = backend.Draining
	sched := b.sched
	b.mu.Unlock()

	var drainErr error
	if sched != nil {
		drainErr = sched.StopCluster(ctx)
	}

	b.deprovision(context.WithoutCancel(ctx))

	b.mu.Lock()
	b.state = backend.Stopped
	b.mu.Unlock()
	b.logger.Info("Cluster stopped")
	return drainErr
}

func (b *Backend) deprovision(ctx context.Context) {
	b.mu.Lock()
	containers := make(map[string]string, len(b.containers))
	for name, id := range b.containers {
		containers[name] = id
	}
	networkID := b.networkID
	b.containers = make(map[string]string)
	b.networkID = ""
	b.mu.Unlock()

	stopTimeout := 10
	for name, id := range containers {
		if err := b.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			b.logger.Warn("Failed to stop node", "node", name, "error", err)
		}
		if err := b.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("Failed to remove node", "node", name, "error", err)
		}
	}
	if networkID != "" {
		if err := b.client.NetworkRemove(ctx, networkID); err != nil {
			b.logger.Warn("Failed to remove network", "error", err)
		}
	}
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

var _ backend.Backend = (*Backend)(nil)
