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

package game

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	gamev1alpha1 "github.com/beebs-dev/dorch/apis/v1alpha1"
	"github.com/beebs-dev/dorch/pkg/util"
)

type actionKind int

const (
	actionCreatePod actionKind = iota
	actionDeletePod
	actionPending
	actionStarting
	actionActive
	actionTerminating
	actionError
	actionRequeue
	actionNoOp
)

func (k actionKind) String() string {
	switch k {
	case actionCreatePod:
		return "CreatePod"
	case actionDeletePod:
		return "DeletePod"
	case actionPending:
		return "Pending"
	case actionStarting:
		return "Starting"
	case actionActive:
		return "Active"
	case actionTerminating:
		return "Terminating"
	case actionError:
		return "Error"
	case actionRequeue:
		return "Requeue"
	default:
		return "NoOp"
	}
}

// action is the single decision derived from the observed state of a Game
// and its pod. The read phase produces one; the write phase executes it.
type action struct {
	kind    actionKind
	message string
	podName string
	requeue time.Duration
	// reason is a coarse label for delete metrics; messages carry
	// free text and must not become label values.
	reason string
}

// Delete reasons used as metric label values.
const (
	reasonSpecChange    = "spec_change"
	reasonTerminated    = "terminated"
	reasonCompleted     = "completed"
	reasonCrashLoop     = "crash_loop"
	reasonUnrecoverable = "unrecoverable_wait"
)

// Waiting reasons that will never resolve without recreating the pod.
var unrecoverableWaitingReasons = map[string]bool{
	"ImagePullBackOff":           true,
	"ErrImageNeverPull":          true,
	"RegistryUnavailable":        true,
	"CreateSandboxError":         true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
	"RunContainerError":          true,
}

// determineAction is the read phase of reconciliation. It inspects the Game
// and its owned pod and returns the single action to perform, without doing
// any writes itself. pod is nil when no owned pod exists.
func determineAction(game *gamev1alpha1.Game, pod *corev1.Pod, now time.Time) action {
	if game.GetDeletionTimestamp() != nil {
		return action{kind: actionRequeue, requeue: 2 * time.Second}
	}

	if pod == nil {
		return action{kind: actionCreatePod}
	}
	podName := pod.GetName()

	if pod.GetDeletionTimestamp() != nil {
		return action{kind: actionTerminating, podName: podName, message: fmt.Sprintf("The game server pod '%s' is terminating.", podName)}
	}

	if pod.GetAnnotations()[gamev1alpha1.GameSpecHashKey] != util.GetHash(&game.Spec) {
		return action{kind: actionDeletePod, podName: podName, message: "hash mismatch", reason: reasonSpecChange}
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		// fall through to container checks
	case corev1.PodPending:
		if cond := util.GetPodConditionFromList(pod.Status.Conditions, corev1.PodScheduled); cond != nil &&
			cond.Status == corev1.ConditionFalse && cond.Reason == corev1.PodReasonUnschedulable {
			return action{kind: actionError, message: fmt.Sprintf("The game server pod '%s' cannot be scheduled: %s", podName, cond.Message)}
		}
		return action{kind: actionPending, podName: podName, message: fmt.Sprintf("The game server pod '%s' is pending.", podName)}
	case corev1.PodSucceeded, corev1.PodFailed:
		return action{kind: actionDeletePod, podName: podName, message: "unexpectedly terminated", reason: reasonTerminated}
	case corev1.PodUnknown:
		return action{kind: actionError, message: fmt.Sprintf("The game server pod '%s' is in an unknown state.", podName)}
	default:
		// No phase reported yet. Young pods get a grace period.
		if now.Sub(pod.GetCreationTimestamp().Time) < 10*time.Second {
			return action{kind: actionRequeue, requeue: 3 * time.Second}
		}
		return action{kind: actionError, message: fmt.Sprintf("The game server pod '%s' never reported a phase.", podName)}
	}

	if a := checkContainers(pod.Status.InitContainerStatuses, podName, true); a != nil {
		return *a
	}
	if a := checkContainers(pod.Status.ContainerStatuses, podName, false); a != nil {
		return *a
	}

	ready := util.GetPodConditionFromList(pod.Status.Conditions, corev1.PodReady)
	if ready == nil {
		return action{kind: actionStarting, podName: podName, message: fmt.Sprintf("The game server pod '%s' is starting.", podName)}
	}
	if ready.Status != corev1.ConditionTrue {
		msg := ready.Message
		if msg == "" {
			msg = fmt.Sprintf("The game server pod '%s' is not ready.", podName)
		}
		return action{kind: actionStarting, podName: podName, message: msg}
	}

	if game.Status.Phase == gamev1alpha1.GameActive && game.Status.LastUpdated != nil &&
		now.Sub(game.Status.LastUpdated.Time) <= util.GetProbeIntervalTime() {
		return action{kind: actionNoOp}
	}
	return action{kind: actionActive, podName: podName}
}

// checkContainers inspects the container statuses and returns a non-nil
// action when one of them requires intervention. init selects the relaxed
// handling of normal completion for init containers.
func checkContainers(statuses []corev1.ContainerStatus, podName string, init bool) *action {
	for i := range statuses {
		cs := &statuses[i]
		state := cs.State

		if state.Waiting == nil && state.Running == nil && state.Terminated == nil {
			return &action{kind: actionStarting, podName: podName, message: fmt.Sprintf("container '%s' has no state yet", cs.Name)}
		}

		if t := state.Terminated; t != nil {
			if t.ExitCode == 0 && t.Reason == "Completed" {
				if init {
					continue
				}
				return &action{kind: actionDeletePod, podName: podName, message: "completed normally", reason: reasonCompleted}
			}
			if t.Reason == "OOMKilled" || t.Reason == "ContainerCannotRun" || t.ExitCode != 0 {
				return &action{kind: actionDeletePod, podName: podName, reason: reasonTerminated,
					message: fmt.Sprintf("container '%s' terminated with exit code %d (%s)", cs.Name, t.ExitCode, t.Reason)}
			}
		}

		if w := state.Waiting; w != nil {
			if unrecoverableWaitingReasons[w.Reason] {
				return &action{kind: actionDeletePod, podName: podName, reason: reasonUnrecoverable,
					message: fmt.Sprintf("container '%s' is waiting with unrecoverable reason %s", cs.Name, w.Reason)}
			}
			if w.Reason == "CrashLoopBackOff" {
				lastExit := int32(0)
				if cs.LastTerminationState.Terminated != nil {
					lastExit = cs.LastTerminationState.Terminated.ExitCode
				}
				return &action{kind: actionDeletePod, podName: podName, reason: reasonCrashLoop,
					message: fmt.Sprintf("container '%s' is in CrashLoopBackOff (last exit code %d, %d restarts)", cs.Name, lastExit, cs.RestartCount)}
			}
			return &action{kind: actionStarting, podName: podName,
				message: fmt.Sprintf("container '%s' is waiting: %s", cs.Name, w.Reason)}
		}

		if state.Running != nil && !init && !cs.Ready {
			return &action{kind: actionStarting, podName: podName,
				message: fmt.Sprintf("container '%s' is running but not ready", cs.Name)}
		}
	}
	return nil
}
