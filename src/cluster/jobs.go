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

// Package cluster runs analyses as Kubernetes Jobs. Results are written by
// the job to a shared volume that this process also mounts.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
)

const (
	appLabel       = "analysis-job"
	taskIDLabel    = "analysisqueue/task-id"
	containerName  = "analysis-worker"
	maxJobNameLen  = 63
	jobTTLSeconds  = 300
	tokenSecretKey = "INTERNAL_API_TOKEN"
)

type Options struct {
	Namespace      string
	AnalysisImage  string
	SandboxImage   string
	ResultsDir     string
	ResultsClaim   string
	CallbackURL    string
	TokenSecret    string
	ServiceAccount string
}

// Jobs is the Cluster execution backend.
type Jobs struct {
	client   kubernetes.Interface
	opts     Options
	readFile func(name string) ([]byte, error)
}

func New(client kubernetes.Interface, opts Options) *Jobs {
	return &Jobs{client: client, opts: opts, readFile: os.ReadFile}
}

// NewClient loads the in-cluster configuration, falling back to kubeconfig
// (or the default loading rules when kubeconfig is empty).
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.ExplicitPath = kubeconfig
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
		logging.Log("Loaded local kubeconfig", slog.LevelInfo)
	} else {
		logging.Log("Loaded in-cluster Kubernetes config", slog.LevelInfo)
	}
	return kubernetes.NewForConfig(cfg)
}

func (j *Jobs) Submit(ctx context.Context, job backend.Job) (string, error) {
	name := jobName(job.Identity.Name, uuid.NewString()[:8])
	obj := j.buildJob(name, job)
	if _, err := j.client.BatchV1().Jobs(j.opts.Namespace).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create job %s: %w", name, err)
	}
	logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Job %s created in namespace %s", name, j.opts.Namespace), job.TaskID,
		slog.String("image", j.opts.AnalysisImage))
	return name, nil
}

func (j *Jobs) buildJob(name string, job backend.Job) *batchv1.Job {
	labels := map[string]string{
		"app":       appLabel,
		taskIDLabel: strconv.FormatInt(job.TaskID, 10),
	}
	privileged := true
	hostPathType := corev1.HostPathDirectoryOrCreate

	container := corev1.Container{
		Name:            containerName,
		Image:           j.opts.AnalysisImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"analyze"},
		Args: []string{
			"-dynamic-bucket", "file://" + j.opts.ResultsDir + "/",
			"-ecosystem", job.Identity.AnalyzerEcosystem(),
			"-package", job.Identity.Name,
			"-version", job.Identity.Version,
			"-sandbox-image", j.opts.SandboxImage,
			"-mode", "dynamic",
			"-nopull",
		},
		Env: []corev1.EnvVar{
			{Name: "API_URL", Value: j.opts.CallbackURL},
			{Name: "TASK_ID", Value: strconv.FormatInt(job.TaskID, 10)},
			{Name: tokenSecretKey, ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: j.opts.TokenSecret},
					Key:                  tokenSecretKey,
				},
			}},
			{Name: "PODMAN_CGROUP_MANAGER", Value: "cgroupfs"},
			{Name: "CONTAINERS_CONF", Value: "/dev/null"},
		},
		SecurityContext: &corev1.SecurityContext{Privileged: &privileged},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("2Gi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("2"),
				corev1.ResourceMemory: resource.MustParse("4Gi"),
			},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "container-data", MountPath: "/var/lib/containers"},
			{Name: "results", MountPath: j.opts.ResultsDir},
		},
	}

	backoffLimit := int32(0)
	ttl := int32(jobTTLSeconds)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: j.opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: j.opts.ServiceAccount,
					Containers:         []corev1.Container{container},
					Volumes: []corev1.Volume{
						{Name: "container-data", VolumeSource: corev1.VolumeSource{
							HostPath: &corev1.HostPathVolumeSource{Path: "/var/lib/containers", Type: &hostPathType},
						}},
						{Name: "results", VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: j.opts.ResultsClaim},
						}},
					},
				},
			},
		},
	}
}

// Status maps the Job's conditions onto a backend phase. A Job already
// removed by its TTL is reported failed with Gone set, since only its
// result file can still tell whether it succeeded.
func (j *Jobs) Status(ctx context.Context, handle string) (backend.JobState, error) {
	obj, err := j.client.BatchV1().Jobs(j.opts.Namespace).Get(ctx, handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return backend.JobState{
			Phase: backend.PhaseFailed,
			Gone:  true,
			Error: fmt.Sprintf("job %s no longer exists", handle),
		}, nil
	}
	if err != nil {
		return backend.JobState{}, fmt.Errorf("get job %s: %w", handle, err)
	}
	return stateOf(obj), nil
}

func stateOf(obj *batchv1.Job) backend.JobState {
	st := backend.JobState{Phase: backend.PhasePending}
	if obj.Status.StartTime != nil {
		started := obj.Status.StartTime.Time
		st.StartedAt = &started
	}
	if obj.Status.CompletionTime != nil {
		completed := obj.Status.CompletionTime.Time
		st.CompletedAt = &completed
	}

	for _, c := range obj.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			st.Phase = backend.PhaseSucceeded
			if st.CompletedAt == nil && !c.LastTransitionTime.IsZero() {
				completed := c.LastTransitionTime.Time
				st.CompletedAt = &completed
			}
			return st
		case batchv1.JobFailed:
			st.Phase = backend.PhaseFailed
			st.Error = strings.TrimSpace(c.Reason + ": " + c.Message)
			if !c.LastTransitionTime.IsZero() {
				completed := c.LastTransitionTime.Time
				st.CompletedAt = &completed
			}
			return st
		}
	}

	switch {
	case obj.Status.Active > 0:
		st.Phase = backend.PhaseRunning
	case obj.Status.Succeeded > 0:
		st.Phase = backend.PhaseSucceeded
	case obj.Status.Failed > 0:
		st.Phase = backend.PhaseFailed
		st.Error = fmt.Sprintf("%d pod(s) failed", obj.Status.Failed)
	}
	return st
}

// Result reads the report the job wrote to the results volume.
func (j *Jobs) Result(ctx context.Context, handle string, job backend.Job) (json.RawMessage, error) {
	for _, path := range j.resultPaths(job) {
		data, err := j.readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read result %s: %w", path, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not valid JSON", backend.ErrNoResult, path)
		}
		return json.RawMessage(data), nil
	}
	return nil, fmt.Errorf("%w: job %s left no result for %s", backend.ErrNoResult, handle, job.Identity)
}

func (j *Jobs) resultPaths(job backend.Job) []string {
	id := job.Identity
	return []string{
		filepath.Join(j.opts.ResultsDir, id.AnalyzerEcosystem(), id.Name, id.Version+".json"),
		filepath.Join(j.opts.ResultsDir, strings.ToLower(id.Name)+".json"),
	}
}

// Cancel deletes the Job and its pods.
func (j *Jobs) Cancel(ctx context.Context, handle string) error {
	policy := metav1.DeletePropagationBackground
	err := j.client.BatchV1().Jobs(j.opts.Namespace).Delete(ctx, handle, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", handle, err)
	}
	return nil
}

// jobName builds a DNS-1123 name "analysis-<package>-<suffix>".
func jobName(pkg, suffix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(pkg) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	budget := maxJobNameLen - len("analysis-") - len(suffix) - 1
	if len(base) > budget {
		base = strings.TrimRight(base[:budget], "-")
	}
	if base == "" {
		return "analysis-" + suffix
	}
	return "analysis-" + base + "-" + suffix
}
