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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(GamesPhaseCount)
	metrics.Registry.MustRegister(GameReconcilesTotal)
	metrics.Registry.MustRegister(GameActionsTotal)
	metrics.Registry.MustRegister(GamePodsDeletedTotal)
}

var (
	GamesPhaseCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dorch_games_phase_count",
			Help: "The number of games per phase",
		},
		[]string{"phase"},
	)
	GameReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dorch_game_reconciles_total",
			Help: "The total number of game reconciles",
		},
		[]string{"result"},
	)
	GameActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dorch_game_actions_total",
			Help: "The total number of actions taken per kind",
		},
		[]string{"action"},
	)
	GamePodsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dorch_game_pods_deleted_total",
			Help: "The total number of game pods deleted, by reason",
		},
		[]string{"reason"},
	)
)
