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
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	gamev1alpha1 "github.com/beebs-dev/dorch/apis/v1alpha1"
	"github.com/beebs-dev/dorch/pkg/metrics"
	"github.com/beebs-dev/dorch/pkg/util"
)

var (
	controllerKind = gamev1alpha1.SchemeGroupVersion.WithKind("Game")

	concurrentReconciles = 10
)

func Add(mgr manager.Manager, cfg *Config) error {
	return add(mgr, newReconciler(mgr, cfg))
}

func newReconciler(mgr manager.Manager, cfg *Config) reconcile.Reconciler {
	recorder := mgr.GetEventRecorderFor("game-controller")
	return &GameReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		recorder: recorder,
		config:   cfg,
	}
}

func add(mgr manager.Manager, r reconcile.Reconciler) error {
	klog.Info("Starting Game Controller")
	c, err := controller.New("game-controller", mgr, controller.Options{Reconciler: r, MaxConcurrentReconciles: concurrentReconciles})
	if err != nil {
		klog.Error(err)
		return err
	}
	if err = c.Watch(source.Kind(mgr.GetCache(),
		&gamev1alpha1.Game{},
		&handler.TypedEnqueueRequestForObject[*gamev1alpha1.Game]{})); err != nil {
		klog.Error(err)
		return err
	}
	if err = c.Watch(source.Kind(mgr.GetCache(),
		&corev1.Pod{},
		handler.TypedEnqueueRequestForOwner[*corev1.Pod](mgr.GetScheme(), mgr.GetRESTMapper(), &gamev1alpha1.Game{}, handler.OnlyControllerOwner()))); err != nil {
		klog.Error(err)
		return err
	}
	return nil
}

// GameReconciler reconciles a Game object against its owned pod.
type GameReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	recorder record.EventRecorder
	config   *Config
}

//+kubebuilder:rbac:groups=dorch.beebs.dev,resources=games,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=dorch.beebs.dev,resources=games/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;delete

// Reconcile derives a single action from the observed state of the Game and
// its pod (the read phase) and then executes it (the write phase). Decisions
// are idempotent; drift repair is delete-and-recreate.
func (r *GameReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	namespacedName := req.NamespacedName
	defer r.recordPhaseCounts(ctx)

	game := &gamev1alpha1.Game{}
	if err := r.Get(ctx, namespacedName, game); err != nil {
		if errors.IsNotFound(err) {
			return reconcile.Result{}, nil
		}
		klog.Errorf("failed to find Game %s in %s, because of %s.", namespacedName.Name, namespacedName.Namespace, err.Error())
		return reconcile.Result{}, err
	}

	pod := &corev1.Pod{}
	if err := r.Get(ctx, namespacedName, pod); err != nil {
		if !errors.IsNotFound(err) {
			klog.Errorf("failed to find pod %s in %s, because of %s.", namespacedName.Name, namespacedName.Namespace, err.Error())
			return reconcile.Result{}, err
		}
		pod = nil
	}

	act := determineAction(game, pod, time.Now())
	if act.kind != actionNoOp {
		klog.Infof("Game %s/%s action: %s %s", game.Namespace, game.Name, act.kind, act.message)
	}
	metrics.GameActionsTotal.WithLabelValues(act.kind.String()).Inc()

	result, err := r.executeAction(ctx, game, act)
	if err != nil {
		klog.Errorf("failed to execute %s for Game %s/%s: %s", act.kind, game.Namespace, game.Name, err.Error())
		metrics.GameReconcilesTotal.WithLabelValues("error").Inc()
		if patchErr := r.patchStatus(ctx, game, gamev1alpha1.GameError, err.Error()); patchErr != nil {
			klog.Errorf("failed to record error status for Game %s/%s: %s", game.Namespace, game.Name, patchErr.Error())
		}
		return reconcile.Result{RequeueAfter: 5 * time.Second}, nil
	}
	metrics.GameReconcilesTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (r *GameReconciler) executeAction(ctx context.Context, game *gamev1alpha1.Game, act action) (ctrl.Result, error) {
	switch act.kind {
	case actionCreatePod:
		return ctrl.Result{}, r.createPod(ctx, game)
	case actionDeletePod:
		return ctrl.Result{}, r.deletePod(ctx, game, act)
	case actionPending:
		return ctrl.Result{}, r.patchStatus(ctx, game, gamev1alpha1.GamePending, act.message)
	case actionStarting:
		return ctrl.Result{}, r.patchStatus(ctx, game, gamev1alpha1.GameStarting, act.message)
	case actionActive:
		if err := r.patchStatus(ctx, game, gamev1alpha1.GameActive,
			"The game server pod '"+act.podName+"' is active and running."); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: util.GetProbeIntervalTime()}, nil
	case actionTerminating:
		return ctrl.Result{}, r.patchStatus(ctx, game, gamev1alpha1.GameTerminating, act.message)
	case actionError:
		return ctrl.Result{}, r.patchStatus(ctx, game, gamev1alpha1.GameError, act.message)
	case actionRequeue:
		return ctrl.Result{RequeueAfter: act.requeue}, nil
	default:
		return ctrl.Result{RequeueAfter: util.GetProbeIntervalTime()}, nil
	}
}

func (r *GameReconciler) createPod(ctx context.Context, game *gamev1alpha1.Game) error {
	pod := buildPod(game, r.config)
	if err := r.patchStatus(ctx, game, gamev1alpha1.GameStarting,
		"The game server pod '"+pod.Name+"' is starting."); err != nil {
		return err
	}
	if err := r.Create(ctx, pod); err != nil && !errors.IsAlreadyExists(err) {
		return err
	}
	r.recorder.Eventf(game, corev1.EventTypeNormal, "CreatedPod", "Created game server pod %s", pod.Name)
	return nil
}

func (r *GameReconciler) deletePod(ctx context.Context, game *gamev1alpha1.Game, act action) error {
	if err := r.patchStatus(ctx, game, gamev1alpha1.GameStarting,
		"Recreating game server pod: "+act.message); err != nil {
		return err
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      act.podName,
			Namespace: game.Namespace,
		},
	}
	if err := r.Delete(ctx, pod); err != nil && !errors.IsNotFound(err) {
		return err
	}
	metrics.GamePodsDeletedTotal.WithLabelValues(act.reason).Inc()
	r.recorder.Eventf(game, corev1.EventTypeWarning, "DeletedPod", "Deleted game server pod %s: %s", act.podName, act.message)
	return nil
}

var gamePhases = []gamev1alpha1.GamePhase{
	gamev1alpha1.GamePending,
	gamev1alpha1.GameStarting,
	gamev1alpha1.GameActive,
	gamev1alpha1.GameError,
	gamev1alpha1.GameTerminating,
}

// recordPhaseCounts refreshes the per-phase game gauge from the cached
// list. Games without a reported phase count as Pending.
func (r *GameReconciler) recordPhaseCounts(ctx context.Context) {
	games := &gamev1alpha1.GameList{}
	if err := r.List(ctx, games); err != nil {
		klog.Errorf("failed to list games for phase metrics: %s", err.Error())
		return
	}
	counts := make(map[gamev1alpha1.GamePhase]int, len(gamePhases))
	for i := range games.Items {
		phase := games.Items[i].Status.Phase
		if phase == "" {
			phase = gamev1alpha1.GamePending
		}
		counts[phase]++
	}
	for _, phase := range gamePhases {
		metrics.GamesPhaseCount.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
}

func (r *GameReconciler) patchStatus(ctx context.Context, game *gamev1alpha1.Game, phase gamev1alpha1.GamePhase, message string) error {
	patch := client.MergeFrom(game.DeepCopy())
	now := metav1.Now()
	game.Status.Phase = phase
	game.Status.Message = message
	game.Status.LastUpdated = &now
	return r.Status().Patch(ctx, game, patch)
}
