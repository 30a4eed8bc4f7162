// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package containerization runs dynamic analyses directly on the local
// docker daemon. Every analysis gets a fresh container that is removed when
// the run ends.
package containerization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const labelTaskID = "analysisqueue.task_id"

// containerAPI is the part of the docker client a Sandbox drives.
type containerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type Options struct {
	Image       string
	MemoryMB    int64
	CPULimit    float64
	IdleTimeout time.Duration
}

// Sandbox is the Local execution backend.
type Sandbox struct {
	api       containerAPI
	opts      Options
	networkID string

	mu         sync.Mutex
	pulled     bool
	running    map[string]int64
	stale      map[string]time.Time
	lastUsedAt time.Time
}

// NewSandbox prepares the sandbox network on the daemon behind cli.
func NewSandbox(ctx context.Context, cli *client.Client, opts Options) (*Sandbox, error) {
	networkID, err := EnsureSandboxNetwork(ctx, cli)
	if err != nil {
		return nil, fmt.Errorf("ensure sandbox network: %w", err)
	}
	return newSandbox(cli, networkID, opts), nil
}

func newSandbox(api containerAPI, networkID string, opts Options) *Sandbox {
	return &Sandbox{
		api:        api,
		opts:       opts,
		networkID:  networkID,
		running:    make(map[string]int64),
		stale:      make(map[string]time.Time),
		lastUsedAt: time.Now(),
	}
}

func (s *Sandbox) ensureImage(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pulled {
		return
	}
	logging.Log(fmt.Sprintf("Pulling sandbox image %s", s.opts.Image), slog.LevelInfo)
	reader, err := s.api.ImagePull(ctx, s.opts.Image, image.PullOptions{})
	if err != nil {
		// A locally built image is still usable.
		logging.Log(fmt.Sprintf("Warning: failed to pull image %s: %v", s.opts.Image, err), slog.LevelWarn)
		return
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to read pull output: %v", err), slog.LevelWarn)
		return
	}
	s.pulled = true
}

// Run creates a container for job, waits for it to exit and returns the
// report it printed on stdout.
func (s *Sandbox) Run(ctx context.Context, job backend.Job) (json.RawMessage, error) {
	s.ensureImage(ctx)

	name := fmt.Sprintf("analysis-%d-%s", job.TaskID, uuid.NewString()[:8])
	resp, err := s.api.ContainerCreate(ctx, &container.Config{
		Image:  s.opts.Image,
		Cmd:    analysisArgs(job.Identity),
		Tty:    false,
		Labels: map[string]string{labelTaskID: strconv.FormatInt(job.TaskID, 10)},
	}, &container.HostConfig{
		Privileged: true,
		Resources: container.Resources{
			Memory:   s.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(s.opts.CPULimit * math.Pow10(9)),
		},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {
				NetworkID: s.networkID,
			},
		},
	}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", job.Identity, err)
	}
	containerID := resp.ID
	s.track(containerID, job.TaskID)
	defer s.remove(containerID)

	if job.OnContainer != nil {
		job.OnContainer(containerID)
	}

	if err := s.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", shortID(containerID), err)
	}
	logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Started sandbox container %s for %s", shortID(containerID), job.Identity), job.TaskID)

	statusCh, errCh := s.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container %s: %w", shortID(containerID), err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, fmt.Errorf("container %s: %s", shortID(containerID), status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	logs, err := s.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read logs of container %s: %w", shortID(containerID), err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demultiplex logs of container %s: %w", shortID(containerID), err)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("analysis exited with status %d: %s", exitCode, tail(stderr.String(), 2048))
	}

	report := extractReport(stdout.Bytes())
	if report == nil {
		return nil, &model.TaskError{
			Category: model.ErrResultsNotFound,
			Message:  fmt.Sprintf("container %s printed no report for %s", shortID(containerID), job.Identity),
			Err:      backend.ErrNoResult,
		}
	}
	return report, nil
}

// StopContainer stops and removes a sandbox container. It is used by the
// timeout monitor and is safe to call for containers already gone.
func (s *Sandbox) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	if err := s.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("stop container %s: %w", shortID(containerID), err)
		}
	}
	s.remove(containerID)
	return nil
}

func (s *Sandbox) track(containerID string, taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[containerID] = taskID
	s.lastUsedAt = time.Now()
}

// remove force-removes a container on a fresh context; the run's context may
// already be cancelled. Failures are left for the reaper.
func (s *Sandbox) remove(containerID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.api.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true})

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, containerID)
	s.lastUsedAt = time.Now()
	if err != nil && !client.IsErrNotFound(err) {
		logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(containerID), err), slog.LevelWarn)
		if _, ok := s.stale[containerID]; !ok {
			s.stale[containerID] = time.Now()
		}
		return
	}
	delete(s.stale, containerID)
}

// RunReaper retries removal of containers whose cleanup failed, once they
// have been idle for IdleTimeout.
func (s *Sandbox) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(time.Now())
		}
	}
}

func (s *Sandbox) reap(now time.Time) int {
	s.mu.Lock()
	var due []string
	for id, since := range s.stale {
		if now.Sub(since) > s.opts.IdleTimeout {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", shortID(id)), slog.LevelInfo)
		s.remove(id)
	}
	return len(due)
}

// Cleanup removes every container this sandbox still knows about. Called on
// shutdown.
func (s *Sandbox) Cleanup(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running)+len(s.stale))
	for id := range s.running {
		ids = append(ids, id)
	}
	for id := range s.stale {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		logging.Log(fmt.Sprintf("Cleaning up container %s...", shortID(id)), slog.LevelInfo)
		s.remove(id)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
