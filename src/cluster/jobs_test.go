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

package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"analysisqueue/src/backend"
	"analysisqueue/src/model"
)

var testOptions = Options{
	Namespace:     "analysis",
	AnalysisImage: "worker:test",
	SandboxImage:  "sandbox:test",
	ResultsDir:    "/results",
	ResultsClaim:  "results-pvc",
	CallbackURL:   "http://scheduler/internal/callback/done",
	TokenSecret:   "scheduler-secrets",
}

func testJob(t *testing.T, purl string) backend.Job {
	t.Helper()
	id, err := model.ParseIdentity(purl)
	if err != nil {
		t.Fatalf("parse %q: %v", purl, err)
	}
	return backend.Job{TaskID: 7, Identity: id}
}

func envValue(c corev1.Container, name string) string {
	for _, e := range c.Env {
		if e.Name == name {
			return e.Value
		}
	}
	return ""
}

func TestSubmitCreatesJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	jobs := New(client, testOptions)
	ctx := context.Background()

	handle, err := jobs.Submit(ctx, testJob(t, "pkg:cargo/serde@1.0.0"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(handle, "analysis-serde-") {
		t.Fatalf("handle = %q", handle)
	}

	obj, err := client.BatchV1().Jobs("analysis").Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if obj.Labels[taskIDLabel] != "7" || obj.Labels["app"] != appLabel {
		t.Fatalf("labels = %v", obj.Labels)
	}
	if obj.Spec.BackoffLimit == nil || *obj.Spec.BackoffLimit != 0 {
		t.Fatalf("backoffLimit = %v, want 0", obj.Spec.BackoffLimit)
	}
	if obj.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Fatalf("restart policy = %s", obj.Spec.Template.Spec.RestartPolicy)
	}

	c := obj.Spec.Template.Spec.Containers[0]
	if c.Image != "worker:test" {
		t.Fatalf("image = %q", c.Image)
	}
	if envValue(c, "TASK_ID") != "7" || envValue(c, "API_URL") != testOptions.CallbackURL {
		t.Fatalf("env = %v", c.Env)
	}
	args := strings.Join(c.Args, " ")
	if !strings.Contains(args, "-ecosystem cargo") || !strings.Contains(args, "-package serde") || !strings.Contains(args, "-version 1.0.0") {
		t.Fatalf("args = %q", args)
	}

	state, err := jobs.Status(ctx, handle)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state.Phase != backend.PhasePending || state.Gone {
		t.Fatalf("state = %+v, want pending", state)
	}
}

func TestStatusOfMissingJob(t *testing.T) {
	jobs := New(fake.NewSimpleClientset(), testOptions)

	state, err := jobs.Status(context.Background(), "analysis-gone-1234")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !state.Gone || state.Phase != backend.PhaseFailed {
		t.Fatalf("state = %+v, want gone failed", state)
	}
}

func TestStateOf(t *testing.T) {
	start := metav1.NewTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	end := metav1.NewTime(start.Add(5 * time.Minute))

	tests := []struct {
		name   string
		status batchv1.JobStatus
		phase  backend.Phase
		errSub string
	}{
		{"pending", batchv1.JobStatus{}, backend.PhasePending, ""},
		{"active", batchv1.JobStatus{Active: 1, StartTime: &start}, backend.PhaseRunning, ""},
		{"complete", batchv1.JobStatus{StartTime: &start, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue, LastTransitionTime: end},
		}}, backend.PhaseSucceeded, ""},
		{"failed condition", batchv1.JobStatus{StartTime: &start, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit", LastTransitionTime: end},
		}}, backend.PhaseFailed, "BackoffLimitExceeded"},
		{"stale condition", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
		}}, backend.PhaseRunning, ""},
		{"failed pods", batchv1.JobStatus{Failed: 2}, backend.PhaseFailed, "2 pod(s) failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := stateOf(&batchv1.Job{Status: tt.status})
			if st.Phase != tt.phase {
				t.Fatalf("phase = %s, want %s", st.Phase, tt.phase)
			}
			if !strings.Contains(st.Error, tt.errSub) {
				t.Fatalf("error = %q, want it to contain %q", st.Error, tt.errSub)
			}
		})
	}

	done := stateOf(&batchv1.Job{Status: batchv1.JobStatus{StartTime: &start, Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobComplete, Status: corev1.ConditionTrue, LastTransitionTime: end},
	}}})
	if done.StartedAt == nil || !done.StartedAt.Equal(start.Time) {
		t.Fatalf("started = %v", done.StartedAt)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(end.Time) {
		t.Fatalf("completed = %v", done.CompletedAt)
	}
}

func TestResult(t *testing.T) {
	files := map[string]string{}
	jobs := New(fake.NewSimpleClientset(), testOptions)
	jobs.readFile = func(name string) ([]byte, error) {
		data, ok := files[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(data), nil
	}
	ctx := context.Background()
	job := testJob(t, "pkg:pypi/Requests@2.31.0")

	if _, err := jobs.Result(ctx, "h", job); !errors.Is(err, backend.ErrNoResult) {
		t.Fatalf("Result without files = %v, want ErrNoResult", err)
	}

	files[filepath.Join("/results", "requests.json")] = `{"fallback":true}`
	got, err := jobs.Result(ctx, "h", job)
	if err != nil || string(got) != `{"fallback":true}` {
		t.Fatalf("fallback Result = %s, %v", got, err)
	}

	primary := filepath.Join("/results", "pypi", job.Identity.Name, "2.31.0.json")
	files[primary] = `{"primary":true}`
	got, err = jobs.Result(ctx, "h", job)
	if err != nil || string(got) != `{"primary":true}` {
		t.Fatalf("primary Result = %s, %v", got, err)
	}

	files[primary] = "not json"
	if _, err := jobs.Result(ctx, "h", job); !errors.Is(err, backend.ErrNoResult) {
		t.Fatalf("invalid Result = %v, want ErrNoResult", err)
	}
}

func TestCancel(t *testing.T) {
	client := fake.NewSimpleClientset()
	jobs := New(client, testOptions)
	ctx := context.Background()

	handle, err := jobs.Submit(ctx, testJob(t, "pkg:npm/left-pad@1.3.0"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := jobs.Cancel(ctx, handle); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if state, _ := jobs.Status(ctx, handle); !state.Gone {
		t.Fatalf("job still present after Cancel: %+v", state)
	}
	if err := jobs.Cancel(ctx, handle); err != nil {
		t.Fatalf("second Cancel = %v, want nil", err)
	}
}

func TestJobName(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	tests := []struct {
		pkg  string
		want string
	}{
		{"left-pad", "analysis-left-pad-abcd1234"},
		{"@babel/core", "analysis-babel-core-abcd1234"},
		{"org.apache:Commons", "analysis-org-apache-commons-abcd1234"},
		{"___", "analysis-abcd1234"},
	}
	for _, tt := range tests {
		if got := jobName(tt.pkg, "abcd1234"); got != tt.want {
			t.Errorf("jobName(%q) = %q, want %q", tt.pkg, got, tt.want)
		}
	}

	long := jobName(strings.Repeat("very-long-package-name-", 10), "abcd1234")
	if len(long) > maxJobNameLen || !valid.MatchString(long) {
		t.Fatalf("jobName produced invalid name %q (%d chars)", long, len(long))
	}
	if !strings.HasSuffix(long, "-abcd1234") {
		t.Fatalf("suffix lost: %q", long)
	}
}
