package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentpierce/shard/internal/shardtype"
)

// fakeEngine satisfies the Engine interface with an in-memory snapshot,
// letting Capture/Restore be exercised without a real cgo-backed handle.
type fakeEngine struct {
	exported  shardtype.Snapshot
	imported  *shardtype.Snapshot
	exportErr error
	importErr error
}

func (f *fakeEngine) SnapshotExport() (shardtype.Snapshot, error) {
	return f.exported, f.exportErr
}

func (f *fakeEngine) SnapshotImport(snap shardtype.Snapshot) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = &snap
	return nil
}

func tokens(pieces ...string) []shardtype.Token {
	out := make([]shardtype.Token, len(pieces))
	for i, p := range pieces {
		out[i] = shardtype.Token{ID: int32(i), Piece: []byte(p)}
	}
	return out
}

func TestShouldCapture_Cadence(t *testing.T) {
	m := New(8, 16)
	assert.False(t, m.ShouldCapture(0))
	for i := 1; i < 8; i++ {
		assert.False(t, m.ShouldCapture(i), "tokensEmitted=%d", i)
	}
	assert.True(t, m.ShouldCapture(8))
	assert.True(t, m.ShouldCapture(16))
	assert.False(t, m.ShouldCapture(17))
}

func TestNew_FloorsTailLenAndDefaultsCadence(t *testing.T) {
	m := New(0, 4)
	assert.Equal(t, 8, m.everyNTokens)
	assert.Equal(t, minTailLen, m.tailLen)
}

func TestCaptureRestore_RoundTrip(t *testing.T) {
	m := New(1, 2)
	eng := &fakeEngine{exported: shardtype.Snapshot{
		Magic:   shardtype.SnapshotMagic,
		Version: shardtype.SnapshotVersion,
		NPast:   3,
		Payload: []byte("kv-bytes"),
	}}

	pieces := make([]string, 18)
	for i := range pieces {
		pieces[i] = fmt.Sprintf("t%d", i)
	}
	generated := tokens(pieces...)
	require.NoError(t, m.Capture(eng, generated))
	assert.True(t, m.HasSnapshot())

	tail, err := m.Restore(eng)
	require.NoError(t, err)

	// tailLen=2 is floored to minTailLen (16), so only the last 16 of the 18
	// generated tokens are retained and round-tripped through the snapshot.
	require.Len(t, tail, minTailLen)
	assert.Equal(t, "t2", string(tail[0].Piece))
	assert.Equal(t, "t17", string(tail[minTailLen-1].Piece))

	require.NotNil(t, eng.imported)
	assert.Equal(t, []byte("kv-bytes"), eng.imported.Payload)
}

func TestCapture_ShortGeneratedKeepsWholeTail(t *testing.T) {
	m := New(1, 16)
	eng := &fakeEngine{exported: shardtype.Snapshot{
		Magic:   shardtype.SnapshotMagic,
		Version: shardtype.SnapshotVersion,
	}}
	generated := tokens("only-one")
	require.NoError(t, m.Capture(eng, generated))

	tail, err := m.Restore(eng)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "only-one", string(tail[0].Piece))
}

func TestRestore_NoSnapshotRetained(t *testing.T) {
	m := New(1, 16)
	eng := &fakeEngine{}
	_, err := m.Restore(eng)
	assert.Error(t, err)
}

func TestRestore_RejectsBadMagic(t *testing.T) {
	m := New(1, 16)
	eng := &fakeEngine{exported: shardtype.Snapshot{
		Magic:   0xBAD,
		Version: shardtype.SnapshotVersion,
	}}
	require.NoError(t, m.Capture(eng, nil))

	_, err := m.Restore(eng)
	assert.Error(t, err)
	assert.Nil(t, eng.imported, "a header mismatch must never reach SnapshotImport")
}

func TestRestore_RejectsUnsupportedVersion(t *testing.T) {
	m := New(1, 16)
	eng := &fakeEngine{exported: shardtype.Snapshot{
		Magic:   shardtype.SnapshotMagic,
		Version: shardtype.SnapshotVersion + 1,
	}}
	require.NoError(t, m.Capture(eng, nil))

	_, err := m.Restore(eng)
	assert.Error(t, err)
	assert.Nil(t, eng.imported)
}

func TestCapture_PropagatesExportError(t *testing.T) {
	m := New(1, 16)
	eng := &fakeEngine{exportErr: assertErr("export exploded")}
	err := m.Capture(eng, nil)
	assert.Error(t, err)
	assert.False(t, m.HasSnapshot())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
