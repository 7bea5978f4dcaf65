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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch/pkg/redislock"
	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

const testWadID = "11111111-2222-3333-4444-555555555555"

type fakeContentStore struct {
	wads        map[string]*wadinfo.ReadWad
	mapAnalyses map[string]bool
	wadPosts    []wadinfo.WadAnalysis
	mapPosts    []wadinfo.MapAnalysis
	getErr      error
	existsErr   error
}

func (s *fakeContentStore) GetWad(_ context.Context, wadID string) (*wadinfo.ReadWad, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.wads[wadID], nil
}

func (s *fakeContentStore) PostWadAnalysis(_ context.Context, analysis wadinfo.WadAnalysis) error {
	s.wadPosts = append(s.wadPosts, analysis)
	return nil
}

func (s *fakeContentStore) PostMapAnalysis(_ context.Context, analysis wadinfo.MapAnalysis) error {
	s.mapPosts = append(s.mapPosts, analysis)
	return nil
}

func (s *fakeContentStore) MapAnalysisExists(_ context.Context, wadID, mapName string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.mapAnalyses[wadID+"/"+mapName], nil
}

type fakePublish struct {
	subject string
	msgID   string
	data    []byte
}

type fakePublisher struct {
	published []fakePublish
}

func (p *fakePublisher) Publish(_ context.Context, subject, msgID string, data []byte) error {
	p.published = append(p.published, fakePublish{subject: subject, msgID: msgID, data: data})
	return nil
}

func testLocker(t *testing.T) (*redislock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redislock.NewLocker(rdb), mr
}

func gatedWad() *wadinfo.ReadWad {
	return &wadinfo.ReadWad{
		Meta: wadinfo.ReadWadMeta{
			Meta: wadinfo.WadMeta{ID: testWadID},
		},
		Maps: []wadinfo.ReadWadMap{
			{
				Map:      wadinfo.MapReference{Map: "MAP01"},
				Analysis: &wadinfo.MapAnalysis{WadID: testWadID, MapName: "MAP01"},
			},
			{Map: wadinfo.MapReference{Map: "MAP02"}},
		},
	}
}

func TestWadWorkerGatesOnMissingMapAnalyses(t *testing.T) {
	store := &fakeContentStore{wads: map[string]*wadinfo.ReadWad{testWadID: gatedWad()}}
	pub := &fakePublisher{}
	locker, mr := testLocker(t)
	w := NewWadWorker(store, pub, locker)

	d, err := w.DeriveInput(context.Background(), "", []byte(testWadID))
	require.NoError(t, err)
	assert.Equal(t, statePending, d.state)
	assert.Equal(t, mapGateRetry, d.retryAfter)

	require.Len(t, pub.published, 1, "only the missing map gets a request")
	got := pub.published[0]
	assert.Equal(t, fmt.Sprintf("dorch.wad.%s.map.MAP02.analysis", testWadID), got.subject)
	assert.Equal(t, fmt.Sprintf("wad-%s-map-MAP02", testWadID), got.msgID)

	var payload wadinfo.ReadWad
	require.NoError(t, json.Unmarshal(got.data, &payload))
	require.Len(t, payload.Maps, 1)
	assert.Equal(t, "MAP02", payload.Maps[0].Map.Map)
	assert.Nil(t, payload.Maps[0].Analysis)
	assert.Nil(t, payload.Meta.Meta.Content.Counts)

	assert.False(t, mr.Exists("l:w:"+testWadID), "lock released on pending")
}

func TestWadWorkerReadyWhenAllMapsAnalyzed(t *testing.T) {
	wad := gatedWad()
	wad.Maps[1].Analysis = &wadinfo.MapAnalysis{WadID: testWadID, MapName: "MAP02"}
	store := &fakeContentStore{wads: map[string]*wadinfo.ReadWad{testWadID: wad}}
	locker, mr := testLocker(t)
	w := NewWadWorker(store, &fakePublisher{}, locker)

	d, err := w.DeriveInput(context.Background(), "", []byte(testWadID))
	require.NoError(t, err)
	assert.Equal(t, stateReady, d.state)
	assert.Equal(t, WadContext{WadID: testWadID}, d.workCtx)
	assert.True(t, mr.Exists("l:w:"+testWadID), "lock held through the model call")

	input, ok := d.input.(*wadinfo.ReadWad)
	require.True(t, ok)
	assert.Empty(t, input.Meta.Meta.ID)
	assert.Nil(t, input.Maps[0].Analysis, "hygiene applied to model input")

	require.NoError(t, d.lock.Release(context.Background()))
}

func TestWadWorkerDiscardsAnalyzedAndBadIDs(t *testing.T) {
	wad := gatedWad()
	wad.Meta.Analysis = &wadinfo.WadAnalysis{WadID: testWadID}
	store := &fakeContentStore{wads: map[string]*wadinfo.ReadWad{testWadID: wad}}
	locker, mr := testLocker(t)
	w := NewWadWorker(store, &fakePublisher{}, locker)

	d, err := w.DeriveInput(context.Background(), "", []byte(testWadID))
	require.NoError(t, err)
	assert.Equal(t, stateDiscard, d.state)
	assert.False(t, mr.Exists("l:w:"+testWadID))

	for _, payload := range []string{"not-a-uuid", "00000000-0000-0000-0000-000000000000"} {
		d, err := w.DeriveInput(context.Background(), "", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, stateDiscard, d.state, payload)
	}
}

func TestWadWorkerMissingWadErrors(t *testing.T) {
	locker, mr := testLocker(t)
	w := NewWadWorker(&fakeContentStore{}, &fakePublisher{}, locker)

	_, err := w.DeriveInput(context.Background(), "", []byte(testWadID))
	require.Error(t, err)
	assert.False(t, mr.Exists("l:w:"+testWadID), "lock released on error")
}

func TestWadWorkerPost(t *testing.T) {
	store := &fakeContentStore{}
	w := NewWadWorker(store, &fakePublisher{}, nil)

	analysis := json.RawMessage(`{"title":"","description":"a slaughter map set","tags":["slaughter"]}`)
	require.NoError(t, w.Post(context.Background(), WadContext{WadID: testWadID}, analysis))

	require.Len(t, store.wadPosts, 1)
	assert.Nil(t, store.wadPosts[0].Title, "empty title becomes null")
	assert.Equal(t, "a slaughter map set", store.wadPosts[0].Description)
}

func mapPayload(t *testing.T) []byte {
	t.Helper()
	wad := &wadinfo.ReadWad{
		Meta: wadinfo.ReadWadMeta{Meta: wadinfo.WadMeta{ID: testWadID}},
		Maps: []wadinfo.ReadWadMap{{Map: wadinfo.MapReference{Map: "MAP02"}}},
	}
	payload, err := json.Marshal(wad)
	require.NoError(t, err)
	return payload
}

func TestMapWorkerAcquiresLockAndProceeds(t *testing.T) {
	store := &fakeContentStore{}
	locker, mr := testLocker(t)
	w := NewMapWorker(store, locker)

	d, err := w.DeriveInput(context.Background(), "", mapPayload(t))
	require.NoError(t, err)
	assert.Equal(t, stateReady, d.state)
	assert.Equal(t, MapContext{WadID: testWadID, MapName: "MAP02"}, d.workCtx)
	assert.True(t, mr.Exists(fmt.Sprintf("l:w:%s:m:MAP02", testWadID)))
	require.NoError(t, d.lock.Release(context.Background()))
}

func TestMapWorkerDiscardsExistingAnalysis(t *testing.T) {
	store := &fakeContentStore{mapAnalyses: map[string]bool{testWadID + "/MAP02": true}}
	locker, mr := testLocker(t)
	w := NewMapWorker(store, locker)

	d, err := w.DeriveInput(context.Background(), "", mapPayload(t))
	require.NoError(t, err)
	assert.Equal(t, stateDiscard, d.state)
	assert.False(t, mr.Exists(fmt.Sprintf("l:w:%s:m:MAP02", testWadID)))
}

func TestMapWorkerDiscardsPoisonedPayloads(t *testing.T) {
	w := NewMapWorker(&fakeContentStore{}, nil)

	for _, payload := range []string{"not json", `{"meta":{"meta":{"id":"x"}},"maps":[]}`} {
		d, err := w.DeriveInput(context.Background(), "", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, stateDiscard, d.state, payload)
	}
}

type fakeMsg struct {
	subject  string
	data     []byte
	acked    bool
	naked    bool
	nakDelay time.Duration
	progress int
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }
func (m *fakeMsg) InProgress() error {
	m.progress++
	return nil
}
func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naked = true
	m.nakDelay = delay
	return nil
}

type scriptedWorker struct {
	derivation *Derivation
	deriveErr  error
	posted     []json.RawMessage
	postErr    error
}

func (w *scriptedWorker) DeriveInput(context.Context, string, []byte) (*Derivation, error) {
	return w.derivation, w.deriveErr
}

func (w *scriptedWorker) Post(_ context.Context, _ any, analysis json.RawMessage) error {
	if w.postErr != nil {
		return w.postErr
	}
	w.posted = append(w.posted, analysis)
	return nil
}

type fakeModel struct {
	inputs []string
	out    json.RawMessage
	err    error
}

func (m *fakeModel) Analyze(_ context.Context, inputJSON string) (json.RawMessage, error) {
	m.inputs = append(m.inputs, inputJSON)
	return m.out, m.err
}

func TestHandleReadyAnalyzesPostsAndAcks(t *testing.T) {
	worker := &scriptedWorker{derivation: Ready(map[string]string{"k": "v"}, nil, nil)}
	model := &fakeModel{out: json.RawMessage(`{"description":"d"}`)}
	app := NewApp(model, worker)
	msg := &fakeMsg{}

	require.NoError(t, app.Handle(context.Background(), msg))
	require.Len(t, model.inputs, 1)
	assert.JSONEq(t, `{"k":"v"}`, model.inputs[0])
	require.Len(t, worker.posted, 1)
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
}

func TestHandlePendingNaksWithDelay(t *testing.T) {
	worker := &scriptedWorker{derivation: Pending(10 * time.Minute)}
	app := NewApp(&fakeModel{}, worker)
	msg := &fakeMsg{}

	require.NoError(t, app.Handle(context.Background(), msg))
	assert.True(t, msg.naked)
	assert.Equal(t, 10*time.Minute, msg.nakDelay)
	assert.False(t, msg.acked)
}

func TestHandleDiscardAcks(t *testing.T) {
	worker := &scriptedWorker{derivation: Discard()}
	app := NewApp(&fakeModel{}, worker)
	msg := &fakeMsg{}

	require.NoError(t, app.Handle(context.Background(), msg))
	assert.True(t, msg.acked)
}

func TestHandleModelErrorDoesNotAck(t *testing.T) {
	worker := &scriptedWorker{derivation: Ready(struct{}{}, nil, nil)}
	app := NewApp(&fakeModel{err: errors.New("model down")}, worker)
	msg := &fakeMsg{}

	require.Error(t, app.Handle(context.Background(), msg))
	assert.False(t, msg.acked)
}

func TestHandleReleasesLock(t *testing.T) {
	locker, mr := testLocker(t)
	lock, err := locker.Acquire(context.Background(), "l:w:abc")
	require.NoError(t, err)

	worker := &scriptedWorker{derivation: Ready(struct{}{}, nil, lock)}
	app := NewApp(&fakeModel{out: json.RawMessage(`{}`)}, worker)

	require.NoError(t, app.Handle(context.Background(), &fakeMsg{}))
	assert.False(t, mr.Exists("l:w:abc"))
}
