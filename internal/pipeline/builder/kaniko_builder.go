package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/elskow/binder-build/internal/pipeline/config"
)

const (
	defaultKanikoImage  = "gcr.io/kaniko-project/executor:latest"
	defaultPollInterval = 2 * time.Second
	workspaceMount      = "/workspace"
)

// KanikoBuilder runs each build as a Kubernetes Job executing kaniko
// against the workspace volume.
type KanikoBuilder struct {
	config    *config.BuilderConfig
	logger    *zap.Logger
	k8sClient K8sClient
}

func NewKanikoBuilder(cfg *config.BuilderConfig, logger *zap.Logger) (*KanikoBuilder, error) {
	client, err := NewK8sClientFromConfig(cfg.Kaniko.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return NewKanikoBuilderWithClient(cfg, client, logger), nil
}

func NewKanikoBuilderWithClient(cfg *config.BuilderConfig, client K8sClient, logger *zap.Logger) *KanikoBuilder {
	return &KanikoBuilder{
		config:    cfg,
		logger:    logger,
		k8sClient: client,
	}
}

func (b *KanikoBuilder) namespace() string {
	if b.config.Kaniko.Namespace == "" {
		return "default"
	}
	return b.config.Kaniko.Namespace
}

func (b *KanikoBuilder) Build(ctx context.Context, req *Request) (*Process, error) {
	ws := &Workspace{Dir: req.WorkspaceDir}
	dockerfile, err := ws.EnsureDockerfile(b.config.Dockerfile, b.config.Docker.BuildImage)
	if err != nil {
		return nil, err
	}

	job := b.jobFor(req, dockerfile)
	logger := req.Logger
	if logger == nil {
		logger = b.logger
	}

	return NewProcess(ctx, func(ctx context.Context) (string, error) {
		return b.run(ctx, job, req.ImageRef, logger)
	}), nil
}

func (b *KanikoBuilder) run(ctx context.Context, job *batchv1.Job, imageRef string, logger *zap.Logger) (string, error) {
	ns := b.namespace()

	if _, err := b.k8sClient.CreateJob(ctx, ns, job); err != nil {
		if !k8serrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("failed to create build job: %w", err)
		}
		// leftover from an interrupted attempt
		if err := b.k8sClient.DeleteJob(ctx, ns, job.Name); err != nil && !k8serrors.IsNotFound(err) {
			return "", fmt.Errorf("failed to replace build job: %w", err)
		}
		if _, err := b.k8sClient.CreateJob(ctx, ns, job); err != nil {
			return "", fmt.Errorf("failed to create build job: %w", err)
		}
	}

	logger.Info("kaniko job created",
		zap.String("namespace", ns),
		zap.String("job", job.Name),
		zap.String("image", imageRef))

	interval := b.config.Kaniko.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, err := b.k8sClient.GetJob(ctx, ns, job.Name)
		if err != nil {
			return "", fmt.Errorf("failed to read build job: %w", err)
		}
		if current.Status.Succeeded > 0 {
			logger.Info("kaniko job succeeded", zap.String("job", job.Name))
			return imageRef, nil
		}
		if failed, reason := jobFailed(current); failed {
			return "", fmt.Errorf("build job %s failed: %s", job.Name, reason)
		}

		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.k8sClient.DeleteJob(cleanupCtx, ns, job.Name); err != nil && !k8serrors.IsNotFound(err) {
				logger.Warn("failed to delete build job", zap.String("job", job.Name), zap.Error(err))
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobFailed(job *batchv1.Job) (bool, string) {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true, c.Message
		}
	}
	if job.Spec.BackoffLimit != nil && job.Status.Failed > *job.Spec.BackoffLimit {
		return true, "backoff limit exceeded"
	}
	return false, ""
}

func (b *KanikoBuilder) jobFor(req *Request, dockerfile string) *batchv1.Job {
	backoff := int32(0)
	ttl := int32(3600)

	contextDir := filepath.Join(workspaceMount, filepath.Base(req.WorkspaceDir))
	args := []string{
		"--context=dir://" + contextDir,
		"--dockerfile=" + filepath.Join(contextDir, dockerfile),
		"--destination=" + req.ImageRef,
	}
	if !b.config.Push {
		args = append(args, "--no-push")
	}

	volume := corev1.Volume{Name: "workspace"}
	if b.config.Kaniko.WorkspaceClaim != "" {
		volume.VolumeSource = corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: b.config.Kaniko.WorkspaceClaim,
			},
		}
	} else {
		volume.VolumeSource = corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: filepath.Dir(req.WorkspaceDir)},
		}
	}

	volumes := []corev1.Volume{volume}
	mounts := []corev1.VolumeMount{{Name: "workspace", MountPath: workspaceMount, ReadOnly: true}}
	if b.config.Kaniko.PushSecret != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "docker-config",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: b.config.Kaniko.PushSecret,
					Items:      []corev1.KeyToPath{{Key: ".dockerconfigjson", Path: "config.json"}},
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "docker-config", MountPath: "/kaniko/.docker"})
	}

	image := b.config.Kaniko.Image
	if image == "" {
		image = defaultKanikoImage
	}

	labels := map[string]string{
		"app.kubernetes.io/managed-by": "binder-build",
		"binder.build/name":            jobLabel(req.Name),
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(req.Name),
			Namespace: b.namespace(),
			Labels:    labels,
			Annotations: map[string]string{
				"binder.build/attempt": req.AttemptID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:         "kaniko",
							Image:        image,
							Args:         args,
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}
}

func jobName(name string) string {
	return jobLabel("kaniko-" + name)
}

// jobLabel fits s into a DNS-1123 label.
func jobLabel(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), ".", "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-")
}
