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
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/redislock"
	"github.com/beebs-dev/dorch/pkg/streams"
	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

// WadSystemPrompt steers the top-level wad analysis.
const WadSystemPrompt = `You are an expert reviewer of classic Doom WADs. ` +
	`You receive one WAD record as JSON: its metadata, embedded text files and per-map analyses. ` +
	`Respond with a JSON object {"title", "description", "tags"} where "title" is the WAD's proper title ` +
	`(or null if it cannot be determined), "description" is a two-to-four sentence summary of the WAD as a whole, ` +
	`and "tags" is a list of up to eight lowercase keywords covering genre, difficulty and style.`

// How long a gated wad waits before re-checking its map analyses.
const mapGateRetry = 10 * time.Minute

// ContentStore is the slice of the content service the workers use.
type ContentStore interface {
	GetWad(ctx context.Context, wadID string) (*wadinfo.ReadWad, error)
	PostWadAnalysis(ctx context.Context, analysis wadinfo.WadAnalysis) error
	PostMapAnalysis(ctx context.Context, analysis wadinfo.MapAnalysis) error
	MapAnalysisExists(ctx context.Context, wadID, mapName string) (bool, error)
}

// Publisher publishes dependent work with a dedup id.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// RawAnalysis is the JSON shape the model is asked to produce.
type RawAnalysis struct {
	Title       *string  `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// WadContext identifies the wad a verdict belongs to.
type WadContext struct {
	WadID string
}

// WadWorker analyzes whole wads. A wad with maps is gated until every
// per-map analysis exists; missing ones are requested as dependent
// messages.
type WadWorker struct {
	store  ContentStore
	pub    Publisher
	locker *redislock.Locker
}

func NewWadWorker(store ContentStore, pub Publisher, locker *redislock.Locker) *WadWorker {
	return &WadWorker{store: store, pub: pub, locker: locker}
}

func (w *WadWorker) DeriveInput(ctx context.Context, _ string, payload []byte) (*Derivation, error) {
	id, err := uuid.Parse(strings.TrimSpace(string(payload)))
	if err != nil {
		klog.Errorf("discarding message with malformed wad id %q: %v", payload, err)
		return Discard(), nil
	}
	if id == uuid.Nil {
		return Discard(), nil
	}
	wadID := id.String()

	lock, err := w.locker.Acquire(ctx, fmt.Sprintf("l:w:%s", wadID))
	if err != nil {
		return nil, fmt.Errorf("acquire wad lock: %w", err)
	}
	release := func() {
		if err := lock.Release(ctx); err != nil {
			klog.Errorf("failed to release %s: %v", lock.Key(), err)
		}
	}

	wad, err := w.store.GetWad(ctx, wadID)
	if err != nil {
		release()
		return nil, fmt.Errorf("get wad: %w", err)
	}
	if wad == nil {
		release()
		return nil, fmt.Errorf("wad not found: %s", wadID)
	}
	if wad.Meta.Analysis != nil {
		release()
		klog.Infof("skipping wad that has already been analyzed: wad_id=%s", wadID)
		return Discard(), nil
	}

	// Snapshot the gate before hygiene nulls the per-map analyses.
	var missing []string
	for _, m := range wad.Maps {
		if m.Analysis == nil {
			missing = append(missing, m.Map.Map)
		}
	}
	OptimizeReadWad(wad)

	if len(missing) > 0 {
		klog.Infof("requesting analyses for missing maps: wad_id=%s missing=%v", wadID, missing)
		for _, name := range missing {
			payload, err := w.mapPayload(wad, name)
			if err != nil {
				release()
				return nil, err
			}
			subject := streams.MapAnalysisSubject(wadID, name)
			if err := w.pub.Publish(ctx, subject, streams.MapAnalysisMsgID(wadID, name), payload); err != nil {
				release()
				return nil, fmt.Errorf("publish map analysis request: %w", err)
			}
		}
		release()
		return Pending(mapGateRetry), nil
	}

	klog.Infof("analyzing wad: wad_id=%s map_count=%d", wadID, len(wad.Maps))
	// The id carries no signal for the model; blank it to save tokens.
	wad.Meta.Meta.ID = ""
	return Ready(wad, WadContext{WadID: wadID}, lock), nil
}

// mapPayload narrows the wad record down to a single map for the
// dependent analysis message.
func (w *WadWorker) mapPayload(wad *wadinfo.ReadWad, mapName string) ([]byte, error) {
	narrowed := *wad
	narrowed.Meta.Meta.Content = wadinfo.WadContent{}
	for _, m := range wad.Maps {
		if m.Map.Map == mapName {
			m.Analysis = nil
			narrowed.Maps = []wadinfo.ReadWadMap{m}
			break
		}
	}
	payload, err := json.Marshal(&narrowed)
	if err != nil {
		return nil, fmt.Errorf("marshal map payload for %s: %w", mapName, err)
	}
	return payload, nil
}

func (w *WadWorker) Post(ctx context.Context, workCtx any, analysis json.RawMessage) error {
	wc, ok := workCtx.(WadContext)
	if !ok {
		return fmt.Errorf("unexpected work context %T", workCtx)
	}
	var raw RawAnalysis
	if err := json.Unmarshal(analysis, &raw); err != nil {
		return fmt.Errorf("decode wad analysis: %w", err)
	}
	result := wadinfo.WadAnalysis{
		WadID:       wc.WadID,
		Title:       nonEmpty(raw.Title),
		Description: raw.Description,
		Tags:        raw.Tags,
	}
	klog.Infof("completed wad analysis: wad_id=%s tags=%v", wc.WadID, result.Tags)
	return w.store.PostWadAnalysis(ctx, result)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
