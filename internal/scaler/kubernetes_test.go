package scaler

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func int32ptr(n int32) *int32 { return &n }

// withScaleSubresource wires the deployments/scale subresource into the fake
// clientset, which its object tracker does not support natively.
func withScaleSubresource(client *fake.Clientset) *fake.Clientset {
	gvr := appsv1.SchemeGroupVersion.WithResource("deployments")
	client.PrependReactor("get", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		ga := action.(k8stesting.GetAction)
		if ga.GetSubresource() != "scale" {
			return false, nil, nil
		}
		obj, err := client.Tracker().Get(gvr, ga.GetNamespace(), ga.GetName())
		if err != nil {
			return true, nil, err
		}
		dep := obj.(*appsv1.Deployment)
		return true, &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: dep.Name, Namespace: dep.Namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: *dep.Spec.Replicas},
		}, nil
	})
	client.PrependReactor("update", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		ua := action.(k8stesting.UpdateAction)
		if ua.GetSubresource() != "scale" {
			return false, nil, nil
		}
		scale := ua.GetObject().(*autoscalingv1.Scale)
		obj, err := client.Tracker().Get(gvr, ua.GetNamespace(), scale.Name)
		if err != nil {
			return true, nil, err
		}
		dep := obj.(*appsv1.Deployment)
		dep.Spec.Replicas = int32ptr(scale.Spec.Replicas)
		if err := client.Tracker().Update(gvr, dep, ua.GetNamespace()); err != nil {
			return true, nil, err
		}
		return true, scale, nil
	})
	return client
}

func newFakeDeployment(t *testing.T, replicas int32) *fake.Clientset {
	t.Helper()
	return withScaleSubresource(fake.NewClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "chat-server",
			Namespace: "chat-app",
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32ptr(replicas),
		},
	}))
}

func TestDeploymentScalerReplicas(t *testing.T) {
	t.Parallel()

	client := newFakeDeployment(t, 3)
	sc := NewDeploymentScaler(client, "chat-app", "chat-server")

	got, err := sc.Replicas(context.Background())
	if err != nil {
		t.Fatalf("Replicas() error = %v", err)
	}
	if got != 3 {
		t.Fatalf("Replicas() = %d, want 3", got)
	}
}

func TestDeploymentScalerScale(t *testing.T) {
	t.Parallel()

	client := newFakeDeployment(t, 3)
	sc := NewDeploymentScaler(client, "chat-app", "chat-server")
	ctx := context.Background()

	if err := sc.Scale(ctx, 5); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}

	got, err := sc.Replicas(ctx)
	if err != nil {
		t.Fatalf("Replicas() error = %v", err)
	}
	if got != 5 {
		t.Fatalf("Replicas() after scale = %d, want 5", got)
	}
}

func TestDeploymentScalerMissingDeployment(t *testing.T) {
	t.Parallel()

	sc := NewDeploymentScaler(withScaleSubresource(fake.NewClientset()), "chat-app", "chat-server")

	if _, err := sc.Replicas(context.Background()); err == nil {
		t.Fatal("Replicas() error = nil for missing deployment, want error")
	}
	if err := sc.Scale(context.Background(), 2); err == nil {
		t.Fatal("Scale() error = nil for missing deployment, want error")
	}
}
