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

package containerization

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"analysisqueue/src/backend"
	"analysisqueue/src/model"
)

type notFound struct{}

func (notFound) Error() string { return "No such container" }
func (notFound) NotFound()     {}

// fakeDocker plays back one container run.
type fakeDocker struct {
	mu        sync.Mutex
	stdout    string
	stderr    string
	exitCode  int64
	created   *container.Config
	host      *container.HostConfig
	removed   []string
	stopped   []string
	removeErr error
	stopErr   error
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = config
	f.host = hostConfig
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout)); err != nil {
		return nil, err
	}
	if f.stderr != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr)); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return f.removeErr
}

func newTestSandbox(api containerAPI) *Sandbox {
	return newSandbox(api, "net-1", Options{Image: "sandbox:test", MemoryMB: 512, CPULimit: 1.5, IdleTimeout: time.Minute})
}

func testJob(t *testing.T) backend.Job {
	t.Helper()
	id, err := model.ParseIdentity("pkg:gem/rails@7.1.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return backend.Job{TaskID: 3, Identity: id}
}

func TestRunReturnsReport(t *testing.T) {
	docker := &fakeDocker{stdout: "pulling layers\n{\"files\":[]}\n"}
	sb := newTestSandbox(docker)

	var containerID string
	job := testJob(t)
	job.OnContainer = func(id string) { containerID = id }

	report, err := sb.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(report) != `{"files":[]}` {
		t.Fatalf("report = %s", report)
	}
	if containerID != "0123456789abcdef0123" {
		t.Fatalf("OnContainer got %q", containerID)
	}
	if got := strings.Join(docker.created.Cmd, " "); got != "-ecosystem gem -package rails -version 7.1.0 -mode dynamic -nopull" {
		t.Fatalf("cmd = %q", got)
	}
	if docker.created.Labels[labelTaskID] != "3" {
		t.Fatalf("labels = %v", docker.created.Labels)
	}
	if docker.host.Memory != 512*1024*1024 || docker.host.NanoCPUs != 1_500_000_000 {
		t.Fatalf("resources = %+v", docker.host.Resources)
	}
	if len(docker.removed) != 1 {
		t.Fatalf("removed = %v, want the run container", docker.removed)
	}
	if len(sb.running) != 0 {
		t.Fatalf("running = %v, want empty", sb.running)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	docker := &fakeDocker{exitCode: 2, stderr: "analysis crashed"}
	_, err := newTestSandbox(docker).Run(context.Background(), testJob(t))
	if err == nil || !strings.Contains(err.Error(), "status 2") || !strings.Contains(err.Error(), "analysis crashed") {
		t.Fatalf("Run = %v, want exit status error", err)
	}
	if model.CategoryOf(err) != model.ErrUnknown {
		t.Fatalf("category = %s, want unknown_error", model.CategoryOf(err))
	}
}

func TestRunWithoutReport(t *testing.T) {
	docker := &fakeDocker{stdout: "done, nothing to say\n"}
	_, err := newTestSandbox(docker).Run(context.Background(), testJob(t))
	if !errors.Is(err, backend.ErrNoResult) {
		t.Fatalf("Run = %v, want ErrNoResult", err)
	}
	if model.CategoryOf(err) != model.ErrResultsNotFound {
		t.Fatalf("category = %s, want results_not_found", model.CategoryOf(err))
	}
}

func TestStopContainer(t *testing.T) {
	docker := &fakeDocker{stopErr: notFound{}}
	sb := newTestSandbox(docker)
	if err := sb.StopContainer(context.Background(), "gone"); err != nil {
		t.Fatalf("StopContainer on missing container = %v", err)
	}

	docker.stopErr = errors.New("daemon unavailable")
	if err := sb.StopContainer(context.Background(), "stuck"); err == nil {
		t.Fatal("StopContainer hid a daemon error")
	}
}

func TestReapRetriesFailedRemovals(t *testing.T) {
	docker := &fakeDocker{removeErr: errors.New("device busy")}
	sb := newTestSandbox(docker)

	sb.remove("stale-1")
	if _, ok := sb.stale["stale-1"]; !ok {
		t.Fatal("failed removal was not recorded as stale")
	}
	if n := sb.reap(time.Now()); n != 0 {
		t.Fatalf("reaped %d before the idle timeout", n)
	}

	docker.removeErr = nil
	if n := sb.reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if len(sb.stale) != 0 {
		t.Fatalf("stale = %v, want empty", sb.stale)
	}
}

func TestExtractReport(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whole stream", "  {\"a\": 1}\n", `{"a": 1}`},
		{"last json line", "{\"a\":1}\nlog line\n{\"b\":2}\ntrailing", `{"b":2}`},
		{"array stream", "[1,2]", "[1,2]"},
		{"no json", "just logs", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(extractReport([]byte(tt.in))); got != tt.want {
				t.Fatalf("extractReport(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Fatalf("tail = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortID = %q", got)
	}
}
