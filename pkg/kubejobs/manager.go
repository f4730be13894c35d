/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kubejobs is a thin capability over batch/v1 Jobs: create with
// idempotent naming, count active workers, and garbage-collect terminal
// jobs. Job names are deterministic so a re-submission after a dispatcher
// crash lands on AlreadyExists instead of a duplicate job.
package kubejobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"
)

// Label contract shared with the dispatcher's selector.
const (
	LabelApp             = "github-scanner"
	LabelComponentWorker = "worker"

	// WorkerSelector matches every scan job this pipeline created.
	WorkerSelector = "app=" + LabelApp + ",component=" + LabelComponentWorker

	containerName = "scanner"

	maxJobNameLength = 63
)

// Job spec constants.
const (
	backoffLimit            = int32(3)
	ttlSecondsAfterFinished = int32(3600)
)

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns         = regexp.MustCompile(`-+`)
)

// JobEnv is the environment handed to a scan job container.
type JobEnv struct {
	RepoURL     string
	DatabaseURL string
	GitHubToken string
}

// Manager manages scan jobs in one namespace.
type Manager struct {
	clientset kubernetes.Interface
	namespace string
	image     string
	logger    *zap.Logger
}

// NewManager builds a Manager from the in-cluster config, falling back to
// the local kubeconfig when running outside the cluster.
func NewManager(namespace, image string, logger *zap.Logger) (*Manager, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewManagerWithClient(clientset, namespace, image, logger), nil
}

// NewManagerWithClient builds a Manager around an existing clientset.
// Tests inject the fake clientset here.
func NewManagerWithClient(clientset kubernetes.Interface, namespace, image string, logger *zap.Logger) *Manager {
	return &Manager{
		clientset: clientset,
		namespace: namespace,
		image:     image,
		logger:    logger,
	}
}

// Image returns the worker image jobs are created with.
func (m *Manager) Image() string {
	return m.image
}

// DeriveJobName builds the deterministic job name for a queue entry:
// lowercased, anything outside [a-z0-9-] replaced by a dash, dash runs
// collapsed, truncated to the 63-char object-name limit, edges trimmed.
func DeriveJobName(owner, name string, queueID int64) string {
	jobName := strings.ToLower(fmt.Sprintf("scan-%s-%s-%d", owner, name, queueID))
	jobName = invalidNameChars.ReplaceAllString(jobName, "-")
	jobName = dashRuns.ReplaceAllString(jobName, "-")
	if len(jobName) > maxJobNameLength {
		jobName = jobName[:maxJobNameLength]
	}
	return strings.Trim(jobName, "-")
}

// CreateScanJob materializes the batch job for a queue entry and returns
// its name. An AlreadyExists conflict is a success: the job from a prior
// submission is still the right one.
func (m *Manager) CreateScanJob(ctx context.Context, owner, name string, queueID int64, env JobEnv) (string, error) {
	jobName := DeriveJobName(owner, name, queueID)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name: jobName,
			Labels: map[string]string{
				"app":       LabelApp,
				"component": LabelComponentWorker,
				"scan-id":   strconv.FormatInt(queueID, 10),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptrInt32(backoffLimit),
			TTLSecondsAfterFinished: ptrInt32(ttlSecondsAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":       LabelApp,
						"component": LabelComponentWorker,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            containerName,
							Image:           m.image,
							ImagePullPolicy: corev1.PullAlways,
							Env: []corev1.EnvVar{
								{Name: "REPO_URL", Value: env.RepoURL},
								{Name: "DATABASE_URL", Value: env.DatabaseURL},
								{Name: "GITHUB_TOKEN", Value: env.GitHubToken},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("1Gi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("2"),
									corev1.ResourceMemory: resource.MustParse("4Gi"),
								},
							},
						},
					},
				},
			},
		},
	}

	_, err := m.clientset.BatchV1().Jobs(m.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			m.logger.Info("job already exists",
				zap.String("job", jobName))
			return jobName, nil
		}
		m.logger.Error("failed to create job",
			zap.String("job", jobName),
			zap.Error(err))
		return "", fmt.Errorf("failed to create job %s: %w", jobName, err)
	}

	m.logger.Info("created scan job",
		zap.String("job", jobName),
		zap.String("repository", owner+"/"+name))

	return jobName, nil
}

// CountActiveJobs counts scan jobs with at least one active pod.
func (m *Manager) CountActiveJobs(ctx context.Context) (int, error) {
	jobs, err := m.clientset.BatchV1().Jobs(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: WorkerSelector,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	active := 0
	for _, job := range jobs.Items {
		if job.Status.Active > 0 {
			active++
		}
	}

	return active, nil
}

// JobStatus reads the status of one job.
func (m *Manager) JobStatus(ctx context.Context, jobName string) (*batchv1.JobStatus, error) {
	job, err := m.clientset.BatchV1().Jobs(m.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobName, err)
	}

	return &job.Status, nil
}

// DeleteJob removes a job with the given propagation policy.
func (m *Manager) DeleteJob(ctx context.Context, jobName string, propagation metav1.DeletionPropagation) error {
	err := m.clientset.BatchV1().Jobs(m.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobName, err)
	}

	return nil
}

// CleanupOldJobs foreground-deletes scan jobs whose completion time is
// older than maxAge. Per-job failures are logged and skipped so one stuck
// job does not block the rest of the sweep.
func (m *Manager) CleanupOldJobs(ctx context.Context, maxAge time.Duration) error {
	jobs, err := m.clientset.BatchV1().Jobs(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: WorkerSelector,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs for cleanup: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, job := range jobs.Items {
		completion := job.Status.CompletionTime
		if completion == nil || !completion.Time.Before(cutoff) {
			continue
		}

		if err := m.DeleteJob(ctx, job.Name, metav1.DeletePropagationForeground); err != nil {
			m.logger.Warn("failed to delete old job",
				zap.String("job", job.Name),
				zap.Error(err))
			continue
		}

		m.logger.Info("cleaned up old job",
			zap.String("job", job.Name),
			zap.Time("completed_at", completion.Time))
	}

	return nil
}

func ptrInt32(v int32) *int32 {
	return &v
}
