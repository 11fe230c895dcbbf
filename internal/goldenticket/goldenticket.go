// Package goldenticket probes Scout honesty: a static template catalog, a
// CSPRNG-driven injection decision so Scouts cannot predict which broadcasts
// are probes, and three-tolerance verification of Scout responses that feeds
// ban decisions into the reputation ledger.
package goldenticket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/trentpierce/shard/internal/shardtype"
)

// Template is one entry in the static catalog: a prompt with a known answer
// and the tolerance used to grade a Scout's response to it.
type Template struct {
	Prompt         string
	ExpectedAnswer string
	Tolerance      shardtype.GoldenTicketTolerance
}

// DefaultCatalog is a small built-in set of templates. Production deployments
// are expected to load a larger catalog; this set exists so the engine is
// usable out of the box and so tests have fixed, known-answer templates.
var DefaultCatalog = []Template{
	{Prompt: "What is 2+2? Answer with only the number.", ExpectedAnswer: "4", Tolerance: shardtype.ToleranceNumeric},
	{Prompt: "What is the capital of France? Answer with only the city name.", ExpectedAnswer: "Paris", Tolerance: shardtype.ToleranceExact},
	{Prompt: "Name the star at the center of our solar system.", ExpectedAnswer: "sun", Tolerance: shardtype.ToleranceContains},
}

// ReputationSink is the subset of internal/reputation.Manager the engine
// needs: it never imports the reputation package directly so the two remain
// independently testable.
type ReputationSink interface {
	Upsert(peerID string, correct bool) shardtype.ScoutReputation
}

// Engine holds the template catalog and the in-flight ticket map.
type Engine struct {
	catalog       []Template
	injectionRate float64
	reputation    ReputationSink
	salt          [32]byte

	mu      sync.Mutex
	tickets map[string]shardtype.GoldenTicket
}

// NewEngine builds an Engine over catalog, injecting tickets with the given
// probability and reporting verification verdicts to reputation. A fresh,
// process-wide salt is drawn from crypto/rand at construction and keyed into
// every catalog draw (see randIndex) so that, even across process restarts,
// a Scout logging which templates it was ever served cannot reconstruct the
// engine's future selection order from that history alone.
func NewEngine(catalog []Template, injectionRate float64, reputation ReputationSink) *Engine {
	if len(catalog) == 0 {
		catalog = DefaultCatalog
	}
	e := &Engine{
		catalog:       catalog,
		injectionRate: injectionRate,
		reputation:    reputation,
		tickets:       make(map[string]shardtype.GoldenTicket),
	}
	if _, err := rand.Read(e.salt[:]); err != nil {
		// Leaves salt as the zero value; randIndex's draw is still a fresh
		// CSPRNG read each call, so template selection remains unpredictable
		// even without the extra keying.
	}
	return e
}

// MaybeInject decides, using a CSPRNG, whether this broadcast opportunity
// should be replaced by a Golden Ticket. On injection it registers the
// ticket under requestID and returns the ticket prompt to broadcast in place
// of context; otherwise it returns context unchanged and ok=false.
func (e *Engine) MaybeInject(requestID, context string) (broadcastContext string, ok bool) {
	if !e.rollInjection() {
		return context, false
	}

	tmpl := e.catalog[e.randIndex(len(e.catalog))]
	ticket := shardtype.GoldenTicket{
		RequestID:      requestID,
		Prompt:         tmpl.Prompt,
		ExpectedAnswer: tmpl.ExpectedAnswer,
		Tolerance:      tmpl.Tolerance,
	}

	e.mu.Lock()
	e.tickets[requestID] = ticket
	e.mu.Unlock()

	return ticket.Prompt, true
}

// rollInjection draws a uniform float in [0,1) from a CSPRNG and compares it
// against injectionRate, so the decision is unpredictable to any Scout
// observing broadcast traffic.
func (e *Engine) rollInjection() bool {
	if e.injectionRate <= 0 {
		return false
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// A failed CSPRNG read must never silently fall back to a
		// predictable source; treat it as "do not inject" this round.
		return false
	}
	draw := float64(binary.BigEndian.Uint64(buf[:])) / float64(^uint64(0))
	return draw < e.injectionRate
}

// randIndex draws a fresh CSPRNG value, keys it through blake2b with the
// engine's per-process salt, and reduces the result mod n. The keying step
// adds no entropy by itself — the fresh crypto/rand read already suffices —
// but it ensures the raw rand.Read output is never the number actually
// reduced mod n, so a side channel on the draw bytes alone (short of also
// recovering the process salt) does not reveal the selected index.
func (e *Engine) randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	h, err := blake2b.New256(e.salt[:])
	if err != nil {
		return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
	}
	h.Write(buf[:])
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// NewRequestID returns a fresh request identifier. Request IDs are UUIDs
// rather than timestamp strings so that two requests started in the same
// millisecond can never collide.
func NewRequestID() string {
	return uuid.NewString()
}

// ErrNotATicket is returned by Verify when requestID has no in-flight
// ticket. This is not an error condition for callers — it just means the
// draft under verification was ordinary work, not a probe.
var ErrNotATicket = errors.New("goldenticket: not a ticket")

// Verify checks scoutResponse against the in-flight ticket for requestID, if
// any. On a verdict it reports the verdict to the reputation sink via
// Upsert(scoutID, verdict) and removes the ticket. Returns ErrNotATicket when
// there is no ticket in flight for requestID.
func (e *Engine) Verify(requestID, scoutID, scoutResponse string) (verdict bool, err error) {
	e.mu.Lock()
	ticket, ok := e.tickets[requestID]
	if ok {
		delete(e.tickets, requestID)
	}
	e.mu.Unlock()

	if !ok {
		return false, ErrNotATicket
	}

	verdict = matches(ticket.Tolerance, scoutResponse, ticket.ExpectedAnswer)
	if e.reputation != nil {
		e.reputation.Upsert(scoutID, verdict)
	}
	return verdict, nil
}

// Pending reports whether requestID currently has a Golden Ticket awaiting
// verification, without consuming it.
func (e *Engine) Pending(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tickets[requestID]
	return ok
}

// Purge drops any in-flight ticket for requestID without verifying it, used
// on request cancellation.
func (e *Engine) Purge(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tickets, requestID)
}

var signedDecimal = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// matches grades response against expected under tolerance:
//   - exact: case-insensitive full-string equality after trimming.
//   - contains: case-insensitive substring.
//   - numeric: extract all signed decimals from response; accept if any is
//     within 0.01 of the first number extracted from expected; fall back to
//     exact comparison on extraction failure.
func matches(tolerance shardtype.GoldenTicketTolerance, response, expected string) bool {
	switch tolerance {
	case shardtype.ToleranceExact:
		return strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected))
	case shardtype.ToleranceContains:
		return strings.Contains(strings.ToLower(response), strings.ToLower(strings.TrimSpace(expected)))
	case shardtype.ToleranceNumeric:
		expectedNums := signedDecimal.FindAllString(expected, -1)
		if len(expectedNums) == 0 {
			return strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected))
		}
		want, err := strconv.ParseFloat(expectedNums[0], 64)
		if err != nil {
			return strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected))
		}
		for _, numStr := range signedDecimal.FindAllString(response, -1) {
			got, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				continue
			}
			if abs(got-want) <= 0.01 {
				return true
			}
		}
		return false
	default:
		return strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected))
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
