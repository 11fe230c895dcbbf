// Package engine is the in-process binding to the native heavy-model
// library — load/free, tokenize, decode piece, eval a token run, read
// logits, rollback N positions, export/import a KV-cache snapshot.
//
// This system never samples with temperature/top-k inside the engine: every
// emitted token is the engine's own argmax over the FULL vocabulary, so
// Logits always reads n_vocab entries regardless of any caller-supplied
// top_k hint.
package engine

/*
#cgo CFLAGS: -Ofast -std=c11 -fPIC
#cgo CPPFLAGS: -Ofast -Wall -Wextra -Wno-unused-function -Wno-unused-variable -DNDEBUG
#include <stdlib.h>
#include "llama.h"

static int shard_eval(struct llama_context *ctx, int pos, llama_token *tokens, int n_tokens) {
	if (n_tokens < 1) return 0;
	llama_batch batch = llama_batch_init(n_tokens, 0, 1);
	batch.n_tokens = n_tokens;
	for (int i = 0; i < n_tokens; i++) {
		batch.token[i] = tokens[i];
		batch.pos[i] = pos + i;
		batch.seq_id[i][0] = 0;
		batch.n_seq_id[i] = 1;
	}
	batch.logits[n_tokens - 1] = true;
	int rc = llama_decode(ctx, batch);
	llama_batch_free(batch);
	return rc;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/trentpierce/shard/internal/shardrr"
	"github.com/trentpierce/shard/internal/shardtype"
)

// Handle is the opaque native engine resource: owned by exactly one request
// for its lifetime, never shared concurrently, with its internal cache
// position tracked alongside the session's eval cursor.
//
// Not safe for concurrent use across sessions; the mutex only guards against
// accidental overlap within the owning request's own goroutines.
type Handle struct {
	mu sync.Mutex

	model *C.struct_llama_model
	ctx   *C.struct_llama_context

	vocabSize int
	nPast     int
	eosToken  int32
}

// Load opens the model at modelPath and creates a fresh context. vocabSize
// is read from the model itself; callers should not hardcode it.
func Load(modelPath string) (*Handle, error) {
	cPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cPath))

	mparams := C.llama_model_default_params()
	model := C.llama_load_model_from_file(cPath, mparams)
	if model == nil {
		return nil, shardrr.Wrap(shardrr.ErrEngineLoadFailed, fmt.Errorf("engine: failed to load model %q", modelPath))
	}

	cparams := C.llama_context_default_params()
	ctx := C.llama_new_context_with_model(model, cparams)
	if ctx == nil {
		C.llama_free_model(model)
		return nil, shardrr.Wrap(shardrr.ErrEngineLoadFailed, fmt.Errorf("engine: failed to create context for %q", modelPath))
	}

	vocab := int(C.llama_n_vocab(model))
	if vocab <= 0 {
		C.llama_free(ctx)
		C.llama_free_model(model)
		return nil, shardrr.Wrap(shardrr.ErrEngineLoadFailed, fmt.Errorf("engine: model %q reports non-positive vocab size", modelPath))
	}

	eos := int32(C.llama_token_eos(model))

	return &Handle{model: model, ctx: ctx, vocabSize: vocab, eosToken: eos}, nil
}

// IsEOS reports whether id is the model's end-of-sequence token, the natural
// termination condition for a generation session.
func (h *Handle) IsEOS(id int32) bool {
	return id == h.eosToken
}

// VocabSize returns the model's vocabulary size — the count Logits always
// reads in full.
func (h *Handle) VocabSize() int {
	return h.vocabSize
}

// Close releases the native context and model. Safe to call once; callers
// must guarantee Close runs on every exit path for the owning request
// (normal completion, error, or cancellation).
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx != nil {
		C.llama_free(h.ctx)
		h.ctx = nil
	}
	if h.model != nil {
		C.llama_free_model(h.model)
		h.model = nil
	}
}

// Tokenize converts text into engine token ids. The engine may prepend a
// beginning-of-sequence marker; callers that supply an already-tokenized
// role header are responsible for stripping it.
func (h *Handle) Tokenize(text string) ([]int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	bufCap := len(text) + 8
	buf := make([]C.llama_token, bufCap)
	n := C.llama_tokenize(
		h.model,
		cText, C.int(len(text)),
		(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int(bufCap),
		true, false,
	)
	if n < 0 {
		return nil, shardrr.Wrap(shardrr.ErrEngineEvalFailed, fmt.Errorf("engine: tokenize failed"))
	}
	out := make([]int32, n)
	for i := 0; i < int(n); i++ {
		out[i] = int32(buf[i])
	}
	return out, nil
}

// Piece decodes a single token id into its UTF-8 (possibly partial) byte
// fragment.
func (h *Handle) Piece(id int32) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	var tmp [64]byte
	n := C.llama_token_to_piece(h.model, C.llama_token(id), (*C.char)(unsafe.Pointer(&tmp[0])), C.int(len(tmp)))
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, tmp[:n])
	return out
}

// Eval appends ids to the internal KV cache, starting at the handle's
// current position. Not idempotent — calling it twice with the same ids
// advances the cache twice.
func (h *Handle) Eval(ids []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evalLocked(ids)
}

func (h *Handle) evalLocked(ids []int32) error {
	if len(ids) == 0 {
		return nil
	}
	cIDs := make([]C.llama_token, len(ids))
	for i, id := range ids {
		cIDs[i] = C.llama_token(id)
	}
	rc := C.shard_eval(h.ctx, C.int(h.nPast), (*C.llama_token)(unsafe.Pointer(&cIDs[0])), C.int(len(cIDs)))
	if rc != 0 {
		return shardrr.Wrap(shardrr.ErrEngineEvalFailed, fmt.Errorf("engine: llama_decode returned %d", int(rc)))
	}
	h.nPast += len(ids)
	return nil
}

// Logits reads the full vocabulary's logits at the last evaluated position.
// It always reads VocabSize() entries: a caller-supplied top_k narrower than
// the vocabulary would make argmax select from an arbitrary truncated slice
// rather than the true distribution.
func (h *Handle) Logits() ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nPast == 0 {
		return nil, shardrr.Wrap(shardrr.ErrLogitsUnavailable, fmt.Errorf("engine: no evaluated position to read logits from"))
	}
	cLogits := C.llama_get_logits_ith(h.ctx, C.int(-1))
	if cLogits == nil {
		return nil, shardrr.Wrap(shardrr.ErrLogitsUnavailable, fmt.Errorf("engine: llama_get_logits_ith returned null"))
	}
	out := make([]float32, h.vocabSize)
	src := unsafe.Slice((*C.float)(cLogits), h.vocabSize)
	for i := 0; i < h.vocabSize; i++ {
		out[i] = float32(src[i])
	}
	return out, nil
}

// Argmax reads the full-vocabulary logits and returns the id with the
// highest value — the engine's ground-truth choice for the next token.
func (h *Handle) Argmax() (int32, error) {
	logits, err := h.Logits()
	if err != nil {
		return 0, err
	}
	best := int32(0)
	bestVal := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestVal {
			bestVal = logits[i]
			best = int32(i)
		}
	}
	return best, nil
}

// Pos returns the handle's current cache position.
func (h *Handle) Pos() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nPast
}

// Rollback truncates the cache by exactly min(k, pos) positions and returns
// the new position. Idempotent past zero.
func (h *Handle) Rollback(k int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if k <= 0 || h.nPast == 0 {
		return h.nPast
	}
	if k > h.nPast {
		k = h.nPast
	}
	start := h.nPast - k
	C.llama_kv_cache_seq_rm(h.ctx, C.int(0), C.int(start), C.int(-1))
	h.nPast = start
	return h.nPast
}

// SnapshotExport captures the engine's KV cache into a framed snapshot
// buffer. The Tail field is left empty — internal/checkpoint fills it in
// from the session's generated list.
func (h *Handle) SnapshotExport() (shardtype.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotExportLocked()
}

func (h *Handle) snapshotExportLocked() (shardtype.Snapshot, error) {
	size := C.llama_state_get_size(h.ctx)
	if size == 0 {
		return shardtype.Snapshot{}, shardrr.Wrap(shardrr.ErrSnapshotInvalid, fmt.Errorf("engine: llama_state_get_size returned 0"))
	}
	payload := make([]byte, size)
	written := C.llama_state_get_data(h.ctx, (*C.uint8_t)(unsafe.Pointer(&payload[0])), size)
	if written == 0 {
		return shardtype.Snapshot{}, shardrr.Wrap(shardrr.ErrSnapshotInvalid, fmt.Errorf("engine: llama_state_get_data wrote 0 bytes"))
	}
	return shardtype.Snapshot{
		Magic:   shardtype.SnapshotMagic,
		Version: shardtype.SnapshotVersion,
		NPast:   uint32(h.nPast),
		Payload: payload[:written],
	}, nil
}

// SnapshotImport restores a previously exported snapshot. Header validation
// is internal/checkpoint's responsibility; this call assumes snap has
// already been validated and focuses solely on the native restore.
func (h *Handle) SnapshotImport(snap shardtype.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(snap.Payload) == 0 {
		return shardrr.Wrap(shardrr.ErrSnapshotInvalid, fmt.Errorf("engine: empty snapshot payload"))
	}
	read := C.llama_state_set_data(h.ctx, (*C.uint8_t)(unsafe.Pointer(&snap.Payload[0])), C.size_t(len(snap.Payload)))
	if read == 0 {
		return shardrr.Wrap(shardrr.ErrSnapshotInvalid, fmt.Errorf("engine: llama_state_set_data failed"))
	}
	h.nPast = int(snap.NPast)
	return nil
}

// CatchUp lazily evaluates any tokens in committed that have not yet reached
// the engine's cache, so the cache position covers everything the session
// has committed before the next argmax is read.
func (h *Handle) CatchUp(committed []shardtype.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nPast >= len(committed) {
		return nil
	}
	pending := committed[h.nPast:]
	ids := make([]int32, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
	}
	return h.evalLocked(ids)
}
