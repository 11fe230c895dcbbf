package goldenticket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches_Exact(t *testing.T) {
	assert.True(t, matches("exact", "  Paris  ", "Paris"))
	assert.True(t, matches("exact", "paris", "Paris"))
	assert.False(t, matches("exact", "Lyon", "Paris"))
}

func TestMatches_Contains(t *testing.T) {
	assert.True(t, matches("contains", "The sun is a star.", "sun"))
	assert.False(t, matches("contains", "The moon is a satellite.", "sun"))
}

func TestMatches_Numeric(t *testing.T) {
	assert.True(t, matches("numeric", "the answer is 4", "4"))
	assert.True(t, matches("numeric", "approximately 4.005", "4"))
	assert.False(t, matches("numeric", "5", "4"))
	assert.True(t, matches("numeric", "-3", "-3.0"))
}

func TestMatches_NumericFallsBackToExactOnExtractionFailure(t *testing.T) {
	assert.True(t, matches("numeric", "  banana  ", "banana"))
	assert.False(t, matches("numeric", "apple", "banana"))
}

func TestVerify_UnknownTicketIsNotAnError(t *testing.T) {
	e := NewEngine(DefaultCatalog, 1.0, nil)
	_, err := e.Verify("no-such-request", "scout-1", "whatever")
	assert.ErrorIs(t, err, ErrNotATicket)
}

func TestInjectThenVerify_RoundTrip(t *testing.T) {
	e := NewEngine([]Template{{Prompt: "2+2?", ExpectedAnswer: "4", Tolerance: "numeric"}}, 1.0, nil)

	reqID := NewRequestID()
	prompt, injected := e.MaybeInject(reqID, "normal context")
	require.True(t, injected)
	assert.Equal(t, "2+2?", prompt)
	assert.True(t, e.Pending(reqID))

	verdict, err := e.Verify(reqID, "scout-1", "4")
	require.NoError(t, err)
	assert.True(t, verdict)
	assert.False(t, e.Pending(reqID), "ticket is removed after first verification attempt")
}

func TestMaybeInject_NeverInjectsAtZeroRate(t *testing.T) {
	e := NewEngine(DefaultCatalog, 0, nil)
	for i := 0; i < 50; i++ {
		_, injected := e.MaybeInject(NewRequestID(), "ctx")
		assert.False(t, injected)
	}
}

func TestPurge_DropsInFlightTicketWithoutVerifying(t *testing.T) {
	e := NewEngine(DefaultCatalog, 1.0, nil)
	reqID := NewRequestID()
	_, injected := e.MaybeInject(reqID, "ctx")
	require.True(t, injected)

	e.Purge(reqID)
	assert.False(t, e.Pending(reqID))
}
