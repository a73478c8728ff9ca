// SPDX-License-Identifier: MIT

package provisioner

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

const (
	defaultNamespace  = "browsergrid"
	defaultSocketPath = "/run/containerd/containerd.sock"
)

// Containerd provisions nodes as containers. This is the "docker"
// back-end of the orchestrator subcommand.
type Containerd struct {
	client       *containerd.Client
	namespace    string
	orchestrator string
	busURL       string
	logger       zerolog.Logger
}

// NewContainerd connects to the containerd socket. Empty socketPath
// and namespace fall back to the defaults.
func NewContainerd(socketPath, namespace, orchestratorID, busURL string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Containerd{
		client:       client,
		namespace:    namespace,
		orchestrator: orchestratorID,
		busURL:       busURL,
		logger:       log.WithComponent("provisioner.containerd"),
	}, nil
}

func (c *Containerd) Name() string { return "docker" }

func (c *Containerd) containerID(sessionID string) string {
	return "browsergrid-node-" + sessionID
}

func (c *Containerd) Provision(ctx context.Context, req Request) (map[string]string, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	id := c.containerID(req.SessionID)

	image, err := c.client.GetImage(ctx, req.Image)
	if err != nil {
		image, err = c.client.Pull(ctx, req.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", req.Image, err)
		}
	}

	env := []string{
		EnvSessionID + "=" + req.SessionID,
		EnvSlotToken + "=" + req.SlotToken,
		EnvOrchestrator + "=" + req.Orchestrator,
		EnvBusURL + "=" + c.busURL,
		EnvCapabilities + "=" + string(req.RawCapabilities),
	}
	labels := map[string]string{
		LabelOrchestrator: c.orchestrator,
		LabelSession:      req.SessionID,
	}

	container, err := c.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithEnv(env)),
		containerd.WithContainerLabels(labels),
	)
	if errdefs.IsAlreadyExists(err) {
		// Redelivered provisioning job; the deployment exists.
		c.logger.Info().Str(log.FieldSessionID, req.SessionID).Msg("container already provisioned")
		return map[string]string{"container": id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("create task for %s: %w", id, err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("start task for %s: %w", id, err)
	}

	return map[string]string{"container": id, "image": req.Image}, nil
}

func (c *Containerd) ownContainers(ctx context.Context) ([]containerd.Container, error) {
	filter := fmt.Sprintf(`labels.%q==%s`, LabelOrchestrator, c.orchestrator)
	containers, err := c.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return containers, nil
}

func (c *Containerd) AliveSessions(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	containers, err := c.ownContainers(ctx)
	if err != nil {
		return nil, err
	}

	var alive []string
	for _, container := range containers {
		labels, err := container.Labels(ctx)
		if err != nil {
			continue
		}
		sessionID := labels[LabelSession]
		if sessionID == "" {
			continue
		}
		task, err := container.Task(ctx, nil)
		if err != nil {
			continue
		}
		status, err := task.Status(ctx)
		if err != nil || status.Status != containerd.Running {
			continue
		}
		alive = append(alive, sessionID)
	}
	return alive, nil
}

func (c *Containerd) PurgeTerminated(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	containers, err := c.ownContainers(ctx)
	if err != nil {
		return err
	}

	for _, container := range containers {
		task, err := container.Task(ctx, nil)
		if err == nil {
			status, serr := task.Status(ctx)
			if serr != nil || status.Status != containerd.Stopped {
				continue
			}
			if _, err := task.Delete(ctx); err != nil {
				c.logger.Warn().Err(err).Str("container", container.ID()).Msg("task delete failed")
				continue
			}
		}
		if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			c.logger.Warn().Err(err).Str("container", container.ID()).Msg("container delete failed")
		}
	}
	return nil
}

// Close releases the containerd client.
func (c *Containerd) Close() error {
	return c.client.Close()
}

// StopSession kills a session's container with a grace period. Used by
// operational tooling, not by the provisioning path.
func (c *Containerd) StopSession(ctx context.Context, sessionID string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	container, err := c.client.LoadContainer(ctx, c.containerID(sessionID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load container: %w", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}
	_, err = task.Delete(ctx)
	return err
}
