// Package llamart defines the model-backend boundary the generation
// engine (internal/generation) and sampler (internal/sampler) run
// against: a backend-neutral decode-loop contract any GGUF runtime can
// satisfy.
//
// The default build links Stub, a deterministic CGO-free implementation
// used by tests and by default builds of this repository (see DESIGN.md
// for why no real llama.cpp CGO binding ships here). Wiring a real
// backend means implementing Model/Context against the bindings and
// satisfying the `llamacpp` build tag; nothing in internal/generation,
// internal/sampler, or internal/chattemplate needs to change.
package llamart

import "context"

// ChatTemplateFamily is the chat-template family detected from GGUF
// metadata.
type ChatTemplateFamily string

const (
	FamilyChatML  ChatTemplateFamily = "chatml"
	FamilyMistral ChatTemplateFamily = "mistral"
	FamilyLlama3  ChatTemplateFamily = "llama3"
	FamilyGemma   ChatTemplateFamily = "gemma"
	FamilyGeneric ChatTemplateFamily = "generic"
)

// Metadata is the GGUF-derived information the worker reports back when
// a model finishes loading: context length, chat template, EOS token id,
// a coarse architecture tag, the embedded default system prompt, and
// whether the model accepts image input.
type Metadata struct {
	ContextLength       int
	ChatTemplateFamily  ChatTemplateFamily
	ChatTemplateString  string
	EOSToken            int32
	GeneralName         string
	DefaultSystemPrompt string
	HasVision           bool
}

// Token is a single tokenized unit.
type Token int32

// Batch is a single decode step's input: token ids, their absolute
// positions, and which positions should produce logits (only the last
// position in a multi-token batch typically needs them).
type Batch struct {
	Tokens        []Token
	Positions     []int32
	LogitsWanted  []bool
}

// SingleToken builds a one-token batch at the given position, the
// shape used by the per-step decode loop once the prompt has been
// consumed.
func SingleToken(tok Token, pos int32) Batch {
	return Batch{
		Tokens:       []Token{tok},
		Positions:    []int32{pos},
		LogitsWanted: []bool{true},
	}
}

// PromptBatch builds a multi-token batch for priming the KV cache (or
// for decoding a block of tool output back into a live context),
// starting at startPos. Only the last position is marked
// logit-producing.
func PromptBatch(tokens []Token, startPos int32) Batch {
	positions := make([]int32, len(tokens))
	wanted := make([]bool, len(tokens))
	for i := range tokens {
		positions[i] = startPos + int32(i)
	}
	if len(wanted) > 0 {
		wanted[len(wanted)-1] = true
	}
	return Batch{Tokens: tokens, Positions: positions, LogitsWanted: wanted}
}

// Context is a live decode session against a loaded Model: it owns the
// KV cache for one generation.
type Context interface {
	// Decode runs one forward pass over batch, extending the KV cache.
	Decode(ctx context.Context, batch Batch) error
	// Logits returns the logits produced by the most recent
	// logit-producing position decoded.
	Logits() []float32
	// Close releases the KV cache. Safe to call once per Context.
	Close()
}

// Model is a loaded GGUF model: tokenizer, vocabulary, and the ability to
// open a decode Context.
type Model interface {
	Metadata() Metadata
	Tokenize(text string) ([]Token, error)
	// TokenToPiece converts a sampled token id back to its text piece.
	// ok is false when the id doesn't decode to valid UTF-8 on its own;
	// callers should still advance the decode loop either way.
	TokenToPiece(tok Token) (piece string, ok bool)
	VocabSize() int
	NewContext(batchSize int) (Context, error)
	Close() error
}

// LoadOptions mirrors the LoadModel command body.
type LoadOptions struct {
	ModelPath string
	GPULayers int
}

// Loader opens a GGUF file into a Model. Exactly one concrete Loader is
// linked per build (Stub by default, a real backend behind the
// `llamacpp` build tag).
type Loader func(opts LoadOptions) (Model, error)
