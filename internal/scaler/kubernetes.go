package scaler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DeploymentScaler resizes a Deployment through its scale subresource.
type DeploymentScaler struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
}

// NewDeploymentScaler creates a scaler bound to one deployment.
func NewDeploymentScaler(client kubernetes.Interface, namespace, deployment string) *DeploymentScaler {
	return &DeploymentScaler{client: client, namespace: namespace, deployment: deployment}
}

// Replicas returns the deployment's current desired replica count.
func (s *DeploymentScaler) Replicas(ctx context.Context) (int32, error) {
	scale, err := s.client.AppsV1().Deployments(s.namespace).GetScale(ctx, s.deployment, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("get scale for %s/%s: %w", s.namespace, s.deployment, err)
	}
	return scale.Spec.Replicas, nil
}

// Scale sets the deployment's desired replica count.
func (s *DeploymentScaler) Scale(ctx context.Context, replicas int32) error {
	deployments := s.client.AppsV1().Deployments(s.namespace)
	scale, err := deployments.GetScale(ctx, s.deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get scale for %s/%s: %w", s.namespace, s.deployment, err)
	}
	scale.Spec.Replicas = replicas
	if _, err := deployments.UpdateScale(ctx, s.deployment, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update scale for %s/%s: %w", s.namespace, s.deployment, err)
	}
	return nil
}

// LoadKubeConfig prefers the in-cluster service account and falls back to the
// local kubeconfig for development runs outside the cluster.
func LoadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, nil
}
