// Copyright 2024 The mqttfuzz-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubeDiscovery finds broker pods behind a Kubernetes service. Fuzzing a
// clustered broker means covering every pod, not whichever one the
// service load-balancer happens to pick.
type KubeDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	portName  string
}

// NewKubeDiscovery creates a discovery client from the in-cluster service
// account.
func NewKubeDiscovery(namespace, service, portName string) (*KubeDiscovery, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("could not get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}

	return NewKubeDiscoveryWithClient(clientset, namespace, service, portName), nil
}

// NewKubeDiscoveryWithClient creates a discovery client around an
// existing clientset. Tests pass a fake.
func NewKubeDiscoveryWithClient(clientset kubernetes.Interface, namespace, service, portName string) *KubeDiscovery {
	return &KubeDiscovery{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		portName:  portName,
	}
}

// DiscoverTargets lists every ready endpoint address of the service that
// carries the named MQTT port.
func (k *KubeDiscovery) DiscoverTargets(ctx context.Context) ([]Target, error) {
	endpoints, err := k.clientset.CoreV1().Endpoints(k.namespace).Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints for service %s: %w", k.service, err)
	}

	var targets []Target
	for _, subset := range endpoints.Subsets {
		var port int32
		for _, p := range subset.Ports {
			if p.Name == k.portName {
				port = p.Port
				break
			}
		}
		if port == 0 {
			continue // Skip subsets that don't carry the MQTT port
		}

		for _, addr := range subset.Addresses {
			id := addr.Hostname
			if id == "" {
				id = addr.IP
			}
			targets = append(targets, Target{
				ID:      id,
				Address: fmt.Sprintf("%s:%d", addr.IP, port),
			})
		}
	}

	return targets, nil
}
