// Package speculative implements the cooperative generation loop: the
// orchestrator that drives local argmax generation, races it against drafts
// from remote Scouts, and emits a lazy, finite, non-restartable sequence of
// decoded token pieces. The local engine is authoritative — a draft token is
// only ever admitted when it equals the engine's own next argmax, so remote
// peers can speed generation up but never change its output.
package speculative

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/trentpierce/shard/internal/checkpoint"
	"github.com/trentpierce/shard/internal/controlplane"
	"github.com/trentpierce/shard/internal/goldenticket"
	"github.com/trentpierce/shard/internal/reputation"
	"github.com/trentpierce/shard/internal/shardtype"
)

// broadcastContextTail is the number of trailing emitted pieces joined into
// the context sent with each broadcast.
const broadcastContextTail = 100

// Engine is the subset of the engine binding the speculative loop needs:
// tokenize, advance the cache, read the ground-truth argmax, and participate
// in checkpointing. Declared here, at the consumer, rather than in
// internal/engine, so a test fake can satisfy it without pulling in that
// package's cgo dependency. *engine.Handle satisfies this interface
// structurally — callers wire it in without either package importing the
// other's concrete type.
type Engine interface {
	Tokenize(text string) ([]int32, error)
	Eval(ids []int32) error
	Argmax() (int32, error)
	Piece(id int32) []byte
	IsEOS(id int32) bool
	CatchUp(committed []shardtype.Token) error
	SnapshotExport() (shardtype.Snapshot, error)
	SnapshotImport(shardtype.Snapshot) error
}

// Config tunes the loop's timing knobs. Zero values fall back to the
// documented defaults.
type Config struct {
	BroadcastThrottle time.Duration // default 50ms
	DraftPollTimeout  time.Duration // default 150ms
	CheckpointManager *checkpoint.Manager
	Telemetry         func(shardtype.TelemetrySample)
	ScoutEvents       func(shardtype.ScoutEvent)
}

func (c Config) withDefaults() Config {
	if c.BroadcastThrottle <= 0 {
		c.BroadcastThrottle = 50 * time.Millisecond
	}
	if c.DraftPollTimeout <= 0 {
		c.DraftPollTimeout = 150 * time.Millisecond
	}
	return c
}

// Loop is the per-request orchestrator. It is not reusable across requests
// — one Loop (and the Handle it wraps) belongs to exactly one session.
type Loop struct {
	eng    Engine
	cp     *controlplane.Client
	rep    *reputation.Manager
	ticket *goldenticket.Engine
	cfg    Config
}

// New builds a Loop. cp, rep, and ticket may be nil, in which case the
// corresponding capability degrades silently: with cp nil the loop never
// broadcasts and runs pure local decoding.
func New(eng Engine, cp *controlplane.Client, rep *reputation.Manager, ticket *goldenticket.Engine, cfg Config) *Loop {
	return &Loop{eng: eng, cp: cp, rep: rep, ticket: ticket, cfg: cfg.withDefaults()}
}

// Chunk is one unit of the lazy output sequence: either a decoded piece or a
// terminal error. Exactly one of Piece/Err is meaningful per chunk; the
// channel closes after the first Err or after the natural end of the
// sequence.
type Chunk struct {
	Piece []byte
	Err   error
}

// Generate runs the speculative loop for one request and returns a channel
// of Chunks. The caller must drain it; cancelling ctx stops the loop at its
// next suspension point and releases no further engine resources beyond what
// the caller already owns via eng.
func (l *Loop) Generate(ctx context.Context, requestID, prompt string, maxTokens int) <-chan Chunk {
	out := make(chan Chunk)
	go l.run(ctx, requestID, prompt, maxTokens, out)
	return out
}

func (l *Loop) run(ctx context.Context, requestID, prompt string, maxTokens int, out chan<- Chunk) {
	defer close(out)
	defer func() {
		if l.ticket != nil {
			l.ticket.Purge(requestID)
		}
	}()

	promptIDs, err := l.eng.Tokenize(prompt)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	if err := l.eng.Eval(promptIDs); err != nil {
		out <- Chunk{Err: err}
		return
	}

	var (
		generated      []shardtype.Token
		tokensEmitted  int
		lastBroadcast  time.Time
		remoteDisabled = l.cp == nil
		localCost      movingAverage
		// bannedLocally caches positive ban verdicts for the life of this
		// request, so a scout banned mid-request is dropped without another
		// ledger round trip. Negative verdicts are never cached: a peer may
		// become banned between drafts.
		bannedLocally = make(map[string]bool)
	)

	// emit only sends a decoded piece downstream; callers are responsible
	// for updating generated/tokensEmitted themselves before calling it.
	emit := func(tok shardtype.Token) bool {
		select {
		case out <- Chunk{Piece: tok.Piece}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for tokensEmitted < maxTokens {
		if ctx.Err() != nil {
			return
		}

		// 1. Local step.
		localStart := time.Now()
		if err := l.eng.CatchUp(generated); err != nil {
			out <- Chunk{Err: err}
			return
		}
		argTok, err := l.eng.Argmax()
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		if l.eng.IsEOS(argTok) {
			return
		}
		piece := l.eng.Piece(argTok)
		if err := l.eng.Eval([]int32{argTok}); err != nil {
			out <- Chunk{Err: err}
			return
		}
		tok := shardtype.Token{ID: argTok, Piece: piece}
		generated = append(generated, tok)
		tokensEmitted++
		if !emit(tok) {
			return
		}
		localElapsed := time.Since(localStart)
		localCost.add(localElapsed)

		// 2. Snapshot.
		if l.cfg.CheckpointManager != nil && l.cfg.CheckpointManager.ShouldCapture(tokensEmitted) {
			_ = l.cfg.CheckpointManager.Capture(l.eng, generated)
		}

		if tokensEmitted >= maxTokens {
			break
		}

		networkStart := time.Now()
		var acceptedThisIteration int
		var draftLen int
		var scoutID string
		var reason string

		// 3. Broadcast (throttled).
		if l.cp != nil && !remoteDisabled && time.Since(lastBroadcast) >= l.cfg.BroadcastThrottle {
			broadcastContext := joinTail(generated, broadcastContextTail)
			if l.ticket != nil {
				if ticketPrompt, injected := l.ticket.MaybeInject(requestID, broadcastContext); injected {
					broadcastContext = ticketPrompt
				}
			}
			l.cp.BroadcastWork(ctx, requestID, broadcastContext, l.minDraftTokens(localCost.mean()))
			// Recorded unconditionally, success or not, so a dead sidecar
			// does not turn the throttle into a tight retry loop.
			lastBroadcast = time.Now()
		}

		// 4. Remote draft admit.
		if l.cp != nil && !remoteDisabled {
			draft, found, timedOut := l.cp.TryPopResult(ctx, l.cfg.DraftPollTimeout)
			if timedOut {
				remoteDisabled = true
			} else if found {
				scoutID = draft.ScoutID
				draftLen = len(draft.Pieces)

				// 5. Verify.
				switch {
				case bannedLocally[draft.ScoutID] || (l.rep != nil && l.rep.IsBanned(draft.ScoutID)):
					bannedLocally[draft.ScoutID] = true
					reason = "banned_scout"
				default:
					admitted := true
					if l.ticket != nil && l.ticket.Pending(requestID) {
						verdict, verr := l.ticket.Verify(requestID, draft.ScoutID, draft.RawText)
						if verr == nil && !verdict {
							admitted = false
							reason = "golden_ticket_failed"
						}
					}
					if admitted {
						accepted, corrected, verr := l.verifyDraft(draft, &generated, &tokensEmitted, maxTokens, emit)
						if verr != nil {
							if !errors.Is(verr, context.Canceled) {
								out <- Chunk{Err: verr}
							}
							return
						}
						acceptedThisIteration = accepted
						if corrected {
							reason = "corrected"
						} else {
							reason = "accepted"
						}
					}
				}
			}
		}
		networkElapsed := time.Since(networkStart)

		// 6. Telemetry.
		if l.cfg.Telemetry != nil {
			l.cfg.Telemetry(shardtype.TelemetrySample{
				Tokens:                 tokensEmitted,
				LocalGenerateMS:        float64(localElapsed.Microseconds()) / 1000.0,
				NetworkRTTPlusVerifyMS: float64(networkElapsed.Microseconds()) / 1000.0,
			})
		}
		if l.cfg.ScoutEvents != nil && scoutID != "" {
			l.cfg.ScoutEvents(shardtype.ScoutEvent{
				ScoutID:       scoutID,
				Accepted:      acceptedThisIteration > 0,
				AcceptedCount: acceptedThisIteration,
				DraftCount:    draftLen,
				Reason:        reason,
			})
		}
	}
}

// verifyDraft runs the per-draft-token state machine: each piece is checked
// byte-for-byte against the engine's own next argmax piece, never a
// re-tokenization of the scout's text. It commits accepted tokens and, on
// the first mismatch, a single correction token, bounded by maxTokens.
// Because the engine is only ever advanced for tokens this function decides
// to keep, no speculative rollback is required — the cache position already
// equals prefix position + accepted + (1 if corrected) when it returns.
func (l *Loop) verifyDraft(
	draft shardtype.Draft,
	generated *[]shardtype.Token,
	tokensEmitted *int,
	maxTokens int,
	emit func(shardtype.Token) bool,
) (accepted int, corrected bool, err error) {
	for _, draftPiece := range draft.Pieces {
		if *tokensEmitted >= maxTokens {
			return accepted, corrected, nil
		}

		argTok, aerr := l.eng.Argmax()
		if aerr != nil {
			return accepted, corrected, aerr
		}
		enginePiece := l.eng.Piece(argTok)

		if err := l.eng.Eval([]int32{argTok}); err != nil {
			return accepted, corrected, err
		}
		*generated = append(*generated, shardtype.Token{ID: argTok, Piece: enginePiece})
		*tokensEmitted++
		if !emit(shardtype.Token{ID: argTok, Piece: enginePiece}) {
			return accepted, corrected, context.Canceled
		}

		if bytes.Equal(enginePiece, draftPiece) {
			accepted++
			continue
		}
		corrected = true
		return accepted, corrected, nil
	}
	return accepted, corrected, nil
}

// minDraftTokens sizes the broadcast's min_tokens ask from the measured
// local per-token cost: roughly how many tokens the local engine would
// produce during one draft-poll window, so a scout that cannot beat local
// decoding is never asked for more than it can usefully deliver.
func (l *Loop) minDraftTokens(perToken time.Duration) int {
	if perToken <= 0 {
		return 1
	}
	n := int(l.cfg.DraftPollTimeout / perToken)
	if n < 1 {
		return 1
	}
	if n > 32 {
		return 32
	}
	return n
}

// costWindow bounds the moving average of local per-token generation cost.
const costWindow = 64

// movingAverage is a fixed-window mean over the most recent duration
// samples. Zero value is ready to use.
type movingAverage struct {
	samples [costWindow]time.Duration
	next    int
	count   int
	sum     time.Duration
}

func (m *movingAverage) add(d time.Duration) {
	if m.count == costWindow {
		m.sum -= m.samples[m.next]
	} else {
		m.count++
	}
	m.samples[m.next] = d
	m.sum += d
	m.next = (m.next + 1) % costWindow
}

func (m *movingAverage) mean() time.Duration {
	if m.count == 0 {
		return 0
	}
	return m.sum / time.Duration(m.count)
}

// joinTail joins the textual pieces of the last n generated tokens with
// single spaces, the framing Scouts expect for broadcast context.
func joinTail(generated []shardtype.Token, n int) string {
	if len(generated) > n {
		generated = generated[len(generated)-n:]
	}
	pieces := make([]string, len(generated))
	for i, t := range generated {
		pieces[i] = string(t.Piece)
	}
	return strings.Join(pieces, " ")
}
