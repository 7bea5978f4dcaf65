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

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// GameSpecHashKey is the annotation on the owned pod carrying the
	// content hash of the Game spec it was created from. A mismatch
	// means the pod must be recreated.
	GameSpecHashKey = "dorch.beebs.dev/spec-hash"
)

// GameSpec defines the desired state of a Game. It is immutable per
// revision; changing it causes the owned pod to be recreated.
type GameSpec struct {
	// GameID is the external identifier of the game session. It doubles
	// as the mesh room name used by the in-pod proxy.
	GameID string `json:"gameId"`

	// S3SecretName references the secret holding the asset bucket
	// credentials consumed by the downloader init container.
	S3SecretName string `json:"s3SecretName"`

	// IWAD is the base game archive loaded by the server.
	IWAD string `json:"iwad"`

	// MaxPlayers caps the number of connected players.
	MaxPlayers int32 `json:"maxPlayers"`

	// Files are additional content archives downloaded alongside the IWAD.
	Files []string `json:"files,omitempty"`

	// Name is the human-readable session name.
	Name string `json:"name"`

	// Warp selects the starting map, e.g. "E1M1" or "MAP01".
	Warp *string `json:"warp,omitempty"`

	// Skill selects the difficulty level.
	Skill *int32 `json:"skill,omitempty"`

	// UseDoom1Assets prepends doom1.wad to the download list so modded
	// games can reuse the shareware assets without shipping them.
	UseDoom1Assets bool `json:"useDoom1Assets"`

	// Private hides the game from everyone but its creator.
	Private *bool `json:"private,omitempty"`

	// DebugUDP enables packet logging in the proxy container.
	DebugUDP *bool `json:"debugUdp,omitempty"`

	// Resources overrides the server container resource requirements.
	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`
}

// GamePhase is a short description of the Game's current state.
type GamePhase string

const (
	GamePending     GamePhase = "Pending"
	GameStarting    GamePhase = "Starting"
	GameActive      GamePhase = "Active"
	GameError       GamePhase = "Error"
	GameTerminating GamePhase = "Terminating"
)

// GameStatus is owned exclusively by the game controller.
type GameStatus struct {
	Phase GamePhase `json:"phase,omitempty"`

	// Message is a human-readable explanation of the current phase.
	Message string `json:"message,omitempty"`

	// LastUpdated is the time the status was last written.
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Game is the Schema for the games API
type Game struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GameSpec   `json:"spec,omitempty"`
	Status GameStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// GameList contains a list of Game
type GameList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Game `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Game{}, &GameList{})
}
