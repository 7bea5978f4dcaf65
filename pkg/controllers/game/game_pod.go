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
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	gamev1alpha1 "github.com/beebs-dev/dorch/apis/v1alpha1"
	"github.com/beebs-dev/dorch/pkg/util"
)

const (
	gamePort = 2342
	dataRoot = "/data"

	// Shipped with the server image so games can run without any
	// custom assets uploaded.
	defaultAsset = "doom1.wad"
)

// Config carries the images and mesh settings stamped into every game pod.
type Config struct {
	ServerImage   string
	ProxyImage    string
	RecorderImage string
	LiveKitURL    string
	LiveKitSecret string
}

func secretEnv(name, secretName, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Key:                  key,
			},
		},
	}
}

// downloadList composes the asset list fetched by the downloader init
// container: the iwad first, then the extra files, deduplicated.
func downloadList(spec *gamev1alpha1.GameSpec) string {
	assets := []string{spec.IWAD}
	for _, f := range spec.Files {
		if f != spec.IWAD {
			assets = append(assets, f)
		}
	}
	if spec.UseDoom1Assets {
		found := false
		for _, a := range assets {
			if a == defaultAsset {
				found = true
				break
			}
		}
		if !found {
			assets = append(assets, defaultAsset)
		}
	}
	return strings.Join(assets, ",")
}

// buildPod renders the game server pod for a Game: a downloader init
// container followed by the server, recorder, and mesh proxy containers.
// The pod carries a hash of the Game spec so drift is detected by
// annotation comparison rather than by diffing the pod spec.
func buildPod(game *gamev1alpha1.Game, cfg *Config) *corev1.Pod {
	spec := &game.Spec

	livekitEnv := []corev1.EnvVar{
		{Name: "LIVEKIT_URL", Value: cfg.LiveKitURL},
		secretEnv("LIVEKIT_API_KEY", cfg.LiveKitSecret, "api_key"),
		secretEnv("LIVEKIT_API_SECRET", cfg.LiveKitSecret, "api_secret"),
	}

	serverEnv := []corev1.EnvVar{
		{Name: "IWAD", Value: spec.IWAD},
		{Name: "DATA_ROOT", Value: dataRoot},
		{Name: "NAME", Value: spec.Name},
		{Name: "MAX_PLAYERS", Value: fmt.Sprintf("%d", spec.MaxPlayers)},
	}
	if len(spec.Files) > 0 {
		serverEnv = append(serverEnv, corev1.EnvVar{Name: "WAD_LIST", Value: strings.Join(spec.Files, ",")})
	}
	if spec.Warp != nil {
		serverEnv = append(serverEnv, corev1.EnvVar{Name: "WARP", Value: *spec.Warp})
	}
	if spec.Skill != nil {
		serverEnv = append(serverEnv, corev1.EnvVar{Name: "SKILL", Value: fmt.Sprintf("%d", *spec.Skill)})
	}

	proxyEnv := []corev1.EnvVar{
		{Name: "GAME_PORT", Value: fmt.Sprintf("%d", gamePort)},
		{Name: "GAME_ID", Value: spec.GameID},
	}
	proxyEnv = append(proxyEnv, livekitEnv...)
	if spec.Private != nil && *spec.Private {
		proxyEnv = append(proxyEnv, corev1.EnvVar{Name: "PRIVATE", Value: "1"})
	}
	if spec.DebugUDP != nil && *spec.DebugUDP {
		proxyEnv = append(proxyEnv, corev1.EnvVar{Name: "DEBUG_UDP", Value: "1"})
	}

	recorderEnv := []corev1.EnvVar{
		{Name: "GAME_PORT", Value: fmt.Sprintf("%d", gamePort)},
		{Name: "GAME_ID", Value: spec.GameID},
		{Name: "DATA_ROOT", Value: dataRoot},
	}
	recorderEnv = append(recorderEnv, livekitEnv...)

	downloaderEnv := []corev1.EnvVar{
		{Name: "DATA_ROOT", Value: dataRoot},
		{Name: "DOWNLOAD_LIST", Value: downloadList(spec)},
		secretEnv("S3_BUCKET", spec.S3SecretName, "bucket"),
		secretEnv("S3_REGION", spec.S3SecretName, "region"),
		secretEnv("S3_ENDPOINT", spec.S3SecretName, "endpoint"),
		secretEnv("AWS_ACCESS_KEY_ID", spec.S3SecretName, "access_key_id"),
		secretEnv("AWS_SECRET_ACCESS_KEY", spec.S3SecretName, "secret_access_key"),
	}

	dataMount := []corev1.VolumeMount{{Name: "data", MountPath: dataRoot}}

	serverContainer := corev1.Container{
		Name:            "server",
		Image:           cfg.ServerImage,
		ImagePullPolicy: corev1.PullAlways,
		Command:         []string{"/server.sh"},
		VolumeMounts:    dataMount,
		Ports: []corev1.ContainerPort{{
			ContainerPort: gamePort,
			Protocol:      corev1.ProtocolUDP,
		}},
		Env: serverEnv,
	}
	if spec.Resources != nil {
		serverContainer.Resources = *spec.Resources
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      game.GetName(),
			Namespace: game.GetNamespace(),
			Annotations: map[string]string{
				gamev1alpha1.GameSpecHashKey: util.GetHash(spec),
			},
			OwnerReferences: []metav1.OwnerReference{
				*metav1.NewControllerRef(game, controllerKind),
			},
		},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{{
				Name:         "data",
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
			InitContainers: []corev1.Container{{
				Name:            "downloader",
				Image:           cfg.ServerImage,
				ImagePullPolicy: corev1.PullAlways,
				Command:         []string{"/download.sh"},
				VolumeMounts:    dataMount,
				Env:             downloaderEnv,
			}},
			Containers: []corev1.Container{
				serverContainer,
				{
					Name:            "recorder",
					Image:           cfg.RecorderImage,
					ImagePullPolicy: corev1.PullAlways,
					VolumeMounts:    dataMount,
					Env:             recorderEnv,
				},
				{
					Name:            "proxy",
					Image:           cfg.ProxyImage,
					ImagePullPolicy: corev1.PullAlways,
					Env:             proxyEnv,
				},
			},
			RestartPolicy:                 corev1.RestartPolicyNever,
			AutomountServiceAccountToken:  ptr.To(false),
			TerminationGracePeriodSeconds: ptr.To[int64](5),
		},
	}
	return pod
}
