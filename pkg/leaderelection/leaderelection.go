/*
Copyright 2025 The Dorch Authors.

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

// Package leaderelection runs a callback while holding a Lease, so exactly
// one controller replica operates at a time. On loss of the lease the
// callback is canceled and the process returns to standby, competing for
// the lease again.
package leaderelection

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"
)

const (
	leaseDuration = 15 * time.Second
	renewDeadline = 10 * time.Second
	retryPeriod   = 5 * time.Second
)

// Identity returns the name this replica competes for the lease under:
// the pod name, falling back to the hostname and finally a random UUID.
func Identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return uuid.NewString()
}

// Run competes for the named Lease and invokes run while leading. run
// receives a context that is canceled when leadership is lost. Run returns
// only when ctx is canceled; a lost lease puts the replica back on standby.
func Run(ctx context.Context, client kubernetes.Interface, namespace, leaseName string, run func(ctx context.Context)) {
	identity := Identity()
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      leaseName,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: identity,
		},
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		klog.Infof("Standing by for lease %s/%s as %s", namespace, leaseName, identity)
		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   leaseDuration,
			RenewDeadline:   renewDeadline,
			RetryPeriod:     retryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(leaderCtx context.Context) {
					klog.Infof("Acquired lease %s/%s", namespace, leaseName)
					run(leaderCtx)
				},
				OnStoppedLeading: func() {
					klog.Warningf("Lost lease %s/%s", namespace, leaseName)
				},
				OnNewLeader: func(current string) {
					if current != identity {
						klog.Infof("Current leader is %s", current)
					}
				},
			},
		})
	}
}
