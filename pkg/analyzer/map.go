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

package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/redislock"
	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

// MapSystemPrompt steers the per-map analysis.
const MapSystemPrompt = `You are an expert reviewer of classic Doom maps. ` +
	`You receive one WAD record as JSON, narrowed to a single map. ` +
	`Respond with a JSON object {"title", "description", "tags"} where "title" is the map's proper title ` +
	`(or null if it cannot be determined), "description" is a two-to-three sentence summary of the map's ` +
	`layout, pacing and combat, and "tags" is a list of up to eight lowercase keywords.`

// MapContext identifies the map a verdict belongs to.
type MapContext struct {
	WadID   string
	MapName string
}

// MapWorker analyzes a single map carried in the message payload.
type MapWorker struct {
	store  ContentStore
	locker *redislock.Locker
}

func NewMapWorker(store ContentStore, locker *redislock.Locker) *MapWorker {
	return &MapWorker{store: store, locker: locker}
}

func (w *MapWorker) DeriveInput(ctx context.Context, _ string, payload []byte) (*Derivation, error) {
	var input wadinfo.ReadWad
	if err := json.Unmarshal(payload, &input); err != nil {
		klog.Errorf("discarding undecodable map analysis payload: %v", err)
		return Discard(), nil
	}
	if len(input.Maps) == 0 {
		klog.Error("discarding map analysis payload with no maps")
		return Discard(), nil
	}
	wadID := input.Meta.Meta.ID
	mapName := input.Maps[0].Map.Map

	exists, err := w.store.MapAnalysisExists(ctx, wadID, mapName)
	if err != nil {
		return nil, fmt.Errorf("check map analysis: %w", err)
	}
	if exists {
		klog.Infof("skipping map that has already been analyzed: wad_id=%s map=%s", wadID, mapName)
		return Discard(), nil
	}

	lock, err := w.locker.Acquire(ctx, fmt.Sprintf("l:w:%s:m:%s", wadID, mapName))
	if err != nil {
		return nil, fmt.Errorf("acquire map lock: %w", err)
	}
	klog.Infof("analyzing map: wad_id=%s map=%s", wadID, mapName)
	return Ready(&input, MapContext{WadID: wadID, MapName: mapName}, lock), nil
}

func (w *MapWorker) Post(ctx context.Context, workCtx any, analysis json.RawMessage) error {
	mc, ok := workCtx.(MapContext)
	if !ok {
		return fmt.Errorf("unexpected work context %T", workCtx)
	}
	var raw RawAnalysis
	if err := json.Unmarshal(analysis, &raw); err != nil {
		return fmt.Errorf("decode map analysis: %w", err)
	}
	result := wadinfo.MapAnalysis{
		WadID:       mc.WadID,
		MapName:     mc.MapName,
		MapTitle:    nonEmpty(raw.Title),
		Description: raw.Description,
		Tags:        raw.Tags,
	}
	klog.Infof("completed map analysis: wad_id=%s map=%s tags=%v", mc.WadID, mc.MapName, result.Tags)
	return w.store.PostMapAnalysis(ctx, result)
}
