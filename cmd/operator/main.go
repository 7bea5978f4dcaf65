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

package main

import (
	"context"
	"flag"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	gamev1alpha1 "github.com/beebs-dev/dorch/apis/v1alpha1"
	controller "github.com/beebs-dev/dorch/pkg/controllers"
	"github.com/beebs-dev/dorch/pkg/controllers/game"
	"github.com/beebs-dev/dorch/pkg/leaderelection"
	"github.com/beebs-dev/dorch/pkg/util"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gamev1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var namespace string
	var leaseName string
	var serverImage string
	var proxyImage string
	var recorderImage string
	var livekitURL string
	var livekitSecret string
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8082", "The address the probe endpoint binds to.")
	flag.StringVar(&namespace, "namespace", util.EnvOr("POD_NAMESPACE", "default"),
		"Namespace the operator runs in, used for the leader election lease.")
	flag.StringVar(&leaseName, "lease-name", "dorch-operator", "Name of the leader election lease.")
	flag.StringVar(&serverImage, "server-image", os.Getenv("SERVER_IMAGE"), "Image for the game server container.")
	flag.StringVar(&proxyImage, "proxy-image", os.Getenv("PROXY_IMAGE"), "Image for the mesh proxy container.")
	flag.StringVar(&recorderImage, "recorder-image", os.Getenv("RECORDER_IMAGE"), "Image for the spectator recorder container.")
	flag.StringVar(&livekitURL, "livekit-url", os.Getenv("LIVEKIT_URL"), "URL of the LiveKit mesh.")
	flag.StringVar(&livekitSecret, "livekit-secret", util.EnvOr("LIVEKIT_SECRET", "livekit"), "Name of the secret holding LiveKit credentials.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg := &game.Config{
		ServerImage:   serverImage,
		ProxyImage:    proxyImage,
		RecorderImage: recorderImage,
		LiveKitURL:    livekitURL,
		LiveKitSecret: livekitSecret,
	}
	if cfg.ServerImage == "" || cfg.ProxyImage == "" || cfg.RecorderImage == "" {
		setupLog.Info("server, proxy and recorder images are required")
		os.Exit(1)
	}

	restConfig := ctrl.GetConfigOrDie()
	clientset := kubernetes.NewForConfigOrDie(restConfig)

	signal := ctrl.SetupSignalHandler()

	// The lease is managed outside the manager so a replica that loses it
	// goes back to standby instead of exiting.
	leaderelection.Run(signal, clientset, namespace, leaseName, func(ctx context.Context) {
		mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
			Scheme: scheme,
			Metrics: metricsserver.Options{
				BindAddress: metricsAddr,
			},
			HealthProbeBindAddress: probeAddr,
			LeaderElection:         false,
		})
		if err != nil {
			setupLog.Error(err, "unable to start dorch-operator")
			os.Exit(1)
		}

		if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
			setupLog.Error(err, "unable to set up health check")
			os.Exit(1)
		}
		if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
			setupLog.Error(err, "unable to set up ready check")
			os.Exit(1)
		}

		setupLog.Info("setup controllers")
		if err := controller.SetupWithManager(mgr, cfg); err != nil {
			setupLog.Error(err, "unable to setup controllers")
			os.Exit(1)
		}

		setupLog.Info("starting dorch-operator")
		if err := mgr.Start(ctx); err != nil {
			setupLog.Error(err, "problem running manager")
			os.Exit(1)
		}
	})
}
