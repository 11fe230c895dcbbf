// Package shardtype holds the value types shared across the speculative
// decoding subsystem: tokens, requests, drafts, checkpoints, and the Sybil
// resistance bookkeeping types. None of these types perform I/O; they are the
// common vocabulary that internal/engine, internal/reputation,
// internal/goldenticket, internal/checkpoint, and internal/speculative share
// without importing one another.
package shardtype

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Token is a single vocabulary entry: an integer id plus its decoded textual
// piece. The piece is carried as raw bytes end to end; callers that need a
// display string decode it as UTF-8 with the replacement character for
// invalid sequences, but equality comparisons always happen on the bytes.
type Token struct {
	ID    int32
	Piece []byte
}

// Request is a single generation session.
type Request struct {
	ID            string
	Prompt        string
	MaxTokens     int
	Generated     []Token
	EvalCursor    int
	Terminal      bool
	RemoteDisable bool
}

// Draft is a candidate token-piece sequence submitted by a Scout for one
// unit of broadcast work. WorkID is carried as received: the speculative
// loop does not compare it against the request before verification, so a
// draft with an unknown or already-completed WorkID is verified like any
// other (its tokens are still only admitted where they equal the engine's
// own argmax).
type Draft struct {
	WorkID   string
	ScoutID  string
	Pieces   [][]byte
	RawText  string
	Error    string
}

// SnapshotMagic identifies a Shard KV snapshot payload. Chosen arbitrarily;
// any value works as long as import rejects mismatches.
const SnapshotMagic uint32 = 0x5348_5244 // "SHRD"

// SnapshotVersion is the current header version written by this binary.
const SnapshotVersion uint32 = 1

// Snapshot is a framed KV-cache checkpoint: a fixed header followed by an
// opaque payload produced by the engine binding. At most one is retained per
// session (internal/checkpoint enforces this).
type Snapshot struct {
	Magic      uint32
	Version    uint32
	NPast      uint32
	Payload []byte
	// Tail is the bounded suffix of emitted tokens captured alongside the
	// engine snapshot, restored together so the session's logical position
	// and the engine's cache position never diverge.
	Tail []Token
}

// snapshotHeaderLen is the fixed-width header size: magic, version, n_past,
// and payload_len, each a big-endian u32.
const snapshotHeaderLen = 4 * 4

// Marshal produces the snapshot wire format: a fixed header (magic, version,
// n_past, payload_len) followed by the opaque payload. Tail is not part of
// the wire format — it is Shard-internal bookkeeping, never shipped to an
// external backing store on its own.
func (s Snapshot) Marshal() []byte {
	buf := make([]byte, snapshotHeaderLen+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], s.Magic)
	binary.BigEndian.PutUint32(buf[4:8], s.Version)
	binary.BigEndian.PutUint32(buf[8:12], s.NPast)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(s.Payload)))
	copy(buf[snapshotHeaderLen:], s.Payload)
	return buf
}

// UnmarshalSnapshot parses the wire format Marshal produces. It rejects a
// buffer shorter than the header or whose declared payload_len does not
// match the bytes actually present.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	if len(data) < snapshotHeaderLen {
		return Snapshot{}, fmt.Errorf("shardtype: snapshot buffer too short (%d bytes)", len(data))
	}
	payloadLen := binary.BigEndian.Uint32(data[12:16])
	rest := data[snapshotHeaderLen:]
	if uint32(len(rest)) != payloadLen {
		return Snapshot{}, fmt.Errorf("shardtype: snapshot payload_len %d does not match %d bytes present", payloadLen, len(rest))
	}
	payload := make([]byte, payloadLen)
	copy(payload, rest)
	return Snapshot{
		Magic:   binary.BigEndian.Uint32(data[0:4]),
		Version: binary.BigEndian.Uint32(data[4:8]),
		NPast:   binary.BigEndian.Uint32(data[8:12]),
		Payload: payload,
	}, nil
}

// GoldenTicketTolerance names the verification strategy for a ticket's
// expected answer.
type GoldenTicketTolerance string

const (
	ToleranceExact    GoldenTicketTolerance = "exact"
	ToleranceContains GoldenTicketTolerance = "contains"
	ToleranceNumeric  GoldenTicketTolerance = "numeric"
)

// GoldenTicket is a verification probe in flight for a request. It exists
// only between injection and the first verification attempt.
type GoldenTicket struct {
	RequestID      string
	Prompt         string
	ExpectedAnswer string
	Tolerance      GoldenTicketTolerance
}

// ScoutReputation is the per-peer accuracy ledger entry.
type ScoutReputation struct {
	PeerID    string
	Attempts  int
	Correct   int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Accuracy returns correct/attempts, or 1.0 for a peer with no attempts yet
// (an unproven peer is not presumed dishonest).
func (r ScoutReputation) Accuracy() float64 {
	if r.Attempts == 0 {
		return 1.0
	}
	return float64(r.Correct) / float64(r.Attempts)
}

// BanEntry records an active or expired ban decision for a peer.
type BanEntry struct {
	PeerID         string
	BannedAt       time.Time
	DurationHours  float64
	Reason         string
	FailedAttempts int
}

// Active reports whether the ban has not yet expired as of now. A
// DurationHours of 0 means permanent.
func (b BanEntry) Active(now time.Time) bool {
	if b.DurationHours <= 0 {
		return true
	}
	elapsedHours := now.Sub(b.BannedAt).Hours()
	return elapsedHours < b.DurationHours
}

// TelemetrySample is one per-step timing observation emitted by the
// speculative loop's optional telemetry hook.
type TelemetrySample struct {
	Tokens                 int
	LocalGenerateMS        float64
	NetworkRTTPlusVerifyMS float64
}

// ScoutEvent is emitted once per admitted-or-rejected draft, optionally, to
// the speculative loop's scout-event hook.
type ScoutEvent struct {
	ScoutID       string
	Accepted      bool
	AcceptedCount int
	DraftCount    int
	Reason        string
}
