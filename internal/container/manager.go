// Package container provides Docker sandbox management for shell command actions.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	containerUser   = "1000"
	workingDir      = "/home/agent/work"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	// Captured output per stream.
	maxOutputBytes = 64 * 1024

	// Sandbox network configuration.
	sandboxNetwork = "shsh-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// ExecResult is the outcome of a foreground command.
type ExecResult struct {
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ExecStatus reports the state of a detached command.
type ExecStatus struct {
	Running  bool
	ExitCode int
}

// Manager runs commands inside per-session sandbox containers.
type Manager interface {
	// EnsureSandbox returns a running sandbox container for the session.
	EnsureSandbox(ctx context.Context, sessionID string) (string, error)

	// Exec runs cmd and waits for it to exit.
	Exec(ctx context.Context, containerID, cmd string) (ExecResult, error)

	// StartDetached starts cmd without waiting and returns the exec id.
	StartDetached(ctx context.Context, containerID, cmd string) (string, error)

	// InspectExec reports whether a detached command is still running.
	InspectExec(ctx context.Context, execID string) (ExecStatus, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// Options configures a DockerManager.
type Options struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli     *client.Client
	image   string
	runtime string

	mu       sync.Mutex
	lastUsed map[string]time.Time
}

// NewDockerManager creates a new Docker-backed sandbox manager.
func NewDockerManager(opts Options) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := opts.Runtime
	if runtime == "" {
		slog.Info("Docker client initialized", "runtime", "default", "image", opts.Image)
	} else {
		slog.Info("Docker client initialized", "runtime", runtime, "image", opts.Image)
	}
	return &DockerManager{
		cli:      cli,
		image:    opts.Image,
		runtime:  runtime,
		lastUsed: make(map[string]time.Time),
	}, nil
}

// SandboxName is the container name used for a session.
func SandboxName(sessionID string) string {
	return "sandbox-" + sessionID
}

// EnsureSandbox returns a running sandbox container for the session.
func (m *DockerManager) EnsureSandbox(ctx context.Context, sessionID string) (string, error) {
	containerName := SandboxName(sessionID)
	volumeName := containerName + "-data"

	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State.Running {
			m.touch(inspect.ID)
			return inspect.ID, nil
		}
		slog.Info("Restarting stopped sandbox", "container_id", inspect.ID, "session_id", sessionID)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		m.touch(inspect.ID)
		return inspect.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", containerName, err)
	}

	slog.Info("Creating sandbox", "session_id", sessionID, "volume", volumeName)

	config := &container.Config{
		Image:      m.image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{"shsh.session": sessionID},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workingDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// Two actions of one session raced to create the sandbox; reuse the winner.
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil && inspect.State.Running {
			m.touch(inspect.ID)
			return inspect.ID, nil
		}

		slog.Warn("Sandbox name conflict during create, retrying",
			"session_id", sessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	// gVisor netstack often fails with Docker's embedded DNS (127.0.0.11).
	if m.runtime == "runsc" {
		if err := m.fixDNS(ctx, resp.ID); err != nil {
			slog.Warn("Failed to apply DNS fix", "error", err)
		}
	}

	m.touch(resp.ID)
	slog.Info("Sandbox created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// fixDNS forces public DNS servers into /etc/resolv.conf.
func (m *DockerManager) fixDNS(ctx context.Context, containerID string) error {
	script := "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"
	res, err := m.run(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", script},
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("dns fix: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", res.ExitCode)
	}
	return nil
}

// Exec runs cmd through sh -c and waits for it to exit.
func (m *DockerManager) Exec(ctx context.Context, containerID, cmd string) (ExecResult, error) {
	m.touch(containerID)
	return m.run(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		User:         containerUser,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
}

func (m *DockerManager) run(ctx context.Context, containerID string, opts container.ExecOptions) (ExecResult, error) {
	resp, err := m.cli.ContainerExecCreate(ctx, containerID, opts)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	// Closing the hijacked connection unblocks StdCopy when ctx ends.
	stop := context.AfterFunc(ctx, attachResp.Close)
	defer stop()

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return ExecResult{
		ExitCode:  inspect.ExitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// StartDetached starts cmd without attaching and returns the exec id.
func (m *DockerManager) StartDetached(ctx context.Context, containerID, cmd string) (string, error) {
	m.touch(containerID)
	resp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:        []string{"sh", "-c", cmd},
		User:       containerUser,
		WorkingDir: workingDir,
		Detach:     true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in container %s: %w", containerID, err)
	}
	if err := m.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return "", fmt.Errorf("start exec %s: %w", resp.ID, err)
	}
	slog.Info("Detached exec started", "exec_id", resp.ID, "container_id", containerID)
	return resp.ID, nil
}

// InspectExec reports whether a detached command is still running.
func (m *DockerManager) InspectExec(ctx context.Context, execID string) (ExecStatus, error) {
	inspect, err := m.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, fmt.Errorf("inspect exec %s: %w", execID, err)
	}
	if inspect.ContainerID != "" {
		m.touch(inspect.ContainerID)
	}
	return ExecStatus{Running: inspect.Running, ExitCode: inspect.ExitCode}, nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)
	m.forget(containerID)

	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	// containerID may be a sandbox name.
	m.forget(info.ID)

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// IdleSince returns containers not used since cutoff.
func (m *DockerManager) IdleSince(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, at := range m.lastUsed {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

func (m *DockerManager) touch(containerID string) {
	m.mu.Lock()
	m.lastUsed[containerID] = time.Now()
	m.mu.Unlock()
}

func (m *DockerManager) forget(containerID string) {
	m.mu.Lock()
	delete(m.lastUsed, containerID)
	m.mu.Unlock()
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

var _ io.Writer = (*cappedBuffer)(nil)

func ptr[T any](v T) *T {
	return &v
}
