package transient

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// execRunner runs scheduler commands inside the controller container
// through the Docker exec API. It satisfies the slurm Runner seam, so the
// submission and polling logic is shared with the local-scheduler variant.
type execRunner struct {
	client      *client.Client
	containerID string
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	exec, err := r.client.ContainerExecCreate(ctx, r.containerID, container.ExecOptions{
		Cmd:          append([]string{name}, args...),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", "", fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", "", fmt.Errorf("failed to inspect exec: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if inspect.ExitCode != 0 {
		return out, errOut, fmt.Errorf("exit status %d", inspect.ExitCode)
	}
	return out, errOut, nil
}
