package speculative

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentpierce/shard/internal/controlplane"
	"github.com/trentpierce/shard/internal/reputation"
	"github.com/trentpierce/shard/internal/shardtype"
)

// fakeEngine plays back a fixed ground-truth argmax sequence, ignoring
// whatever was actually Eval'd — exactly enough behavior to exercise the
// speculative loop's verify/accept/correct state machine without a real
// model.
type fakeEngine struct {
	script []int32
	pos    int
	pieces map[int32][]byte
	eos    int32
}

func newFakeEngine(script []int32, pieces map[int32][]byte) *fakeEngine {
	return &fakeEngine{script: script, pieces: pieces, eos: -1}
}

func (f *fakeEngine) Tokenize(string) ([]int32, error) { return []int32{0}, nil }
func (f *fakeEngine) Eval([]int32) error               { return nil }
func (f *fakeEngine) CatchUp([]shardtype.Token) error  { return nil }
func (f *fakeEngine) Piece(id int32) []byte            { return f.pieces[id] }
func (f *fakeEngine) IsEOS(id int32) bool              { return id == f.eos }
func (f *fakeEngine) SnapshotExport() (shardtype.Snapshot, error) {
	return shardtype.Snapshot{Magic: shardtype.SnapshotMagic, Version: shardtype.SnapshotVersion}, nil
}
func (f *fakeEngine) SnapshotImport(shardtype.Snapshot) error { return nil }

func (f *fakeEngine) Argmax() (int32, error) {
	if f.pos >= len(f.script) {
		return f.eos, nil
	}
	tok := f.script[f.pos]
	f.pos++
	return tok, nil
}

const (
	idLocal int32 = 1
	idA     int32 = 2
	idB     int32 = 3
	idC     int32 = 4
)

var defaultPieces = map[int32][]byte{
	idLocal: []byte("local"),
	idA:     []byte("A"),
	idB:     []byte("B"),
	idC:     []byte("C"),
}

func collect(t *testing.T, ch <-chan Chunk) []string {
	t.Helper()
	var out []string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		out = append(out, string(chunk.Piece))
	}
	return out
}

// Pure local decoding with no control-plane client — exactly maxTokens
// engine-argmax tokens, no network involvement at all.
func TestGenerate_PureLocal(t *testing.T) {
	eng := newFakeEngine([]int32{idLocal, idA, idB}, defaultPieces)
	loop := New(eng, nil, nil, nil, Config{})

	pieces := collect(t, loop.Generate(context.Background(), "req-1", "hi", 3))
	assert.Equal(t, []string{"local", "A", "B"}, pieces)
}

// sidecarServer builds an httptest server that always answers broadcast-work
// with 200, and pop-result with the given draft (if non-nil) on every call.
func sidecarServer(t *testing.T, workID, scoutID string, draftTokens []string, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/broadcast-work", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/pop-result", func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if draftTokens == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"work_id":      workID,
				"scout_id":     scoutID,
				"draft_tokens": draftTokens,
				"draft_text":   "",
			},
		})
	})
	return httptest.NewServer(mux)
}

// A draft whose tokens all match the engine's own argmax is accepted in
// full, with no correction.
func TestGenerate_FullAcceptance(t *testing.T) {
	srv := sidecarServer(t, "work-1", "scout-1", []string{"A", "B", "C"}, 0)
	defer srv.Close()

	eng := newFakeEngine([]int32{idLocal, idA, idB, idC}, defaultPieces)
	cp := controlplane.New(srv.URL, time.Second)
	loop := New(eng, cp, nil, nil, Config{
		BroadcastThrottle: time.Millisecond,
		DraftPollTimeout:  500 * time.Millisecond,
	})

	pieces := collect(t, loop.Generate(context.Background(), "req-2", "hi", 4))
	assert.Equal(t, []string{"local", "A", "B", "C"}, pieces)
}

// A mismatch partway through a draft accepts the matching prefix and emits
// the engine's own argmax as the one correction token, never the scout's.
func TestGenerate_MismatchEmitsCorrection(t *testing.T) {
	srv := sidecarServer(t, "work-1", "scout-1", []string{"A", "B", "X"}, 0)
	defer srv.Close()

	eng := newFakeEngine([]int32{idLocal, idA, idB, idC}, defaultPieces)
	cp := controlplane.New(srv.URL, time.Second)
	loop := New(eng, cp, nil, nil, Config{
		BroadcastThrottle: time.Millisecond,
		DraftPollTimeout:  500 * time.Millisecond,
	})

	pieces := collect(t, loop.Generate(context.Background(), "req-3", "hi", 4))
	assert.Equal(t, []string{"local", "A", "B", "C"}, pieces)
}

// When the sidecar never answers within the poll timeout, the remote path is
// disabled for the rest of the request and the loop still emits exactly
// maxTokens tokens from local decoding alone.
func TestGenerate_TimeoutDegradesToLocalOnly(t *testing.T) {
	srv := sidecarServer(t, "work-1", "scout-1", []string{"A"}, 100*time.Millisecond)
	defer srv.Close()

	eng := newFakeEngine([]int32{idLocal, idA, idB, idC, idA}, defaultPieces)
	cp := controlplane.New(srv.URL, time.Second)
	loop := New(eng, cp, nil, nil, Config{
		BroadcastThrottle: time.Millisecond,
		DraftPollTimeout:  5 * time.Millisecond,
	})

	pieces := collect(t, loop.Generate(context.Background(), "req-6", "hi", 3))
	assert.Len(t, pieces, 3)
}

// A banned scout's draft contributes zero emitted tokens: the loop falls
// back to local decoding for that iteration instead of admitting the draft.
func TestGenerate_BannedScoutDraftDropped(t *testing.T) {
	srv := sidecarServer(t, "work-1", "scout-banned", []string{"A", "B"}, 0)
	defer srv.Close()

	store, err := reputation.NewJSONStore(t.TempDir() + "/reputation.json")
	require.NoError(t, err)
	repMgr, err := reputation.NewManager(store, reputation.DefaultConfig())
	require.NoError(t, err)
	repMgr.Ban("scout-banned", "test", 24, 1)

	eng := newFakeEngine([]int32{idLocal, idA, idB}, defaultPieces)
	cp := controlplane.New(srv.URL, time.Second)
	loop := New(eng, cp, repMgr, nil, Config{
		BroadcastThrottle: time.Millisecond,
		DraftPollTimeout:  500 * time.Millisecond,
	})

	pieces := collect(t, loop.Generate(context.Background(), "req-4", "hi", 2))
	// The draft is dropped, so both emitted tokens come from local steps —
	// "local" then "A" (the engine's own next argmax), never the scout's "B".
	assert.Equal(t, []string{"local", "A"}, pieces)
}

func TestMovingAverage_WindowedMean(t *testing.T) {
	var m movingAverage
	assert.Equal(t, time.Duration(0), m.mean())

	m.add(10 * time.Millisecond)
	m.add(20 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, m.mean())

	// Overflow the window: the oldest samples fall out of the mean.
	for i := 0; i < costWindow; i++ {
		m.add(40 * time.Millisecond)
	}
	assert.Equal(t, 40*time.Millisecond, m.mean())
}

func TestMinDraftTokens_ScalesWithLocalCost(t *testing.T) {
	l := New(newFakeEngine(nil, nil), nil, nil, nil, Config{DraftPollTimeout: 150 * time.Millisecond})

	assert.Equal(t, 1, l.minDraftTokens(0), "no measurements yet asks for the minimum")
	assert.Equal(t, 15, l.minDraftTokens(10*time.Millisecond))
	assert.Equal(t, 1, l.minDraftTokens(time.Second), "slower-than-window local cost still asks for one")
	assert.Equal(t, 32, l.minDraftTokens(time.Microsecond), "ask is capped")
}
