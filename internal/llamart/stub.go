//go:build !llamacpp

package llamart

import (
	"context"
	"fmt"
	"strings"
)

// This file backs the default build (no `llamacpp` build tag): a
// deterministic, CGO-free stand-in for a real GGUF backend. See
// DESIGN.md, Open Question resolution 3, for why: no CGO-free llama.cpp
// binding exists in the reference corpus, and a real CGO binding can't be
// validated without running the toolchain, so the default build runs
// against Stub and real bindings are reserved for a `llamacpp`-tagged
// file implementing the same Model/Context/Loader contract.
//
// Stub still exercises the full decode-loop contract in internal/generation:
// it tokenizes on whitespace, grows its vocabulary as new words appear, and
// produces logits that deterministically favor a token derived from the
// running hash of decoded history, so sampler and stop-token behavior are
// exercised the same way they would be against a real model.

const eosPiece = "<|eos|>"

// Stub is a deterministic Model. Its vocabulary grows on first sight of a
// word; the EOS token is always id 0.
type Stub struct {
	meta  Metadata
	vocab []string
	ids   map[string]Token
}

// NewStub builds a Stub seeded with the given chat-template metadata. The
// vocabulary starts with just the EOS token and grows as text is tokenized.
func NewStub(meta Metadata) *Stub {
	s := &Stub{
		meta: meta,
		vocab: []string{eosPiece},
		ids:   map[string]Token{eosPiece: 0},
	}
	s.meta.EOSToken = 0
	return s
}

func (s *Stub) Metadata() Metadata { return s.meta }

func (s *Stub) VocabSize() int { return len(s.vocab) }

func (s *Stub) internTokens(words []string) []Token {
	out := make([]Token, 0, len(words))
	for _, w := range words {
		id, ok := s.ids[w]
		if !ok {
			id = Token(len(s.vocab))
			s.vocab = append(s.vocab, w)
			s.ids[w] = id
		}
		out = append(out, id)
	}
	return out
}

// Tokenize splits on whitespace. Real tokenizers use a learned
// vocabulary (BPE/SentencePiece); a word-level split is enough to drive
// the decode loop deterministically without one.
func (s *Stub) Tokenize(text string) ([]Token, error) {
	fields := strings.Fields(text)
	return s.internTokens(fields), nil
}

func (s *Stub) TokenToPiece(tok Token) (string, bool) {
	i := int(tok)
	if i < 0 || i >= len(s.vocab) {
		return "", false
	}
	return s.vocab[i], true
}

func (s *Stub) NewContext(batchSize int) (Context, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("llamart: batch size must be positive")
	}
	return &stubContext{model: s, batchSize: batchSize}, nil
}

func (s *Stub) Close() error { return nil }

type stubContext struct {
	model     *Stub
	batchSize int
	history   []Token
	logits    []float32
	closed    bool
}

// Decode folds the batch's tokens into a running hash and derives logits
// that strongly favor one "next" token, so greedy/low-temperature
// sampling traces a deterministic path — useful for exercising stop-token
// and truncation logic without a real forward pass.
func (c *stubContext) Decode(ctx context.Context, batch Batch) error {
	if c.closed {
		return fmt.Errorf("llamart: context closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.history = append(c.history, batch.Tokens...)

	vocabSize := c.model.VocabSize()
	logits := make([]float32, vocabSize)

	var hash uint32 = 2166136261
	for _, t := range c.history {
		hash ^= uint32(t)
		hash *= 16777619
	}
	favored := int(hash) % vocabSize
	if favored < 0 {
		favored += vocabSize
	}
	for i := range logits {
		logits[i] = -1
	}
	logits[favored] = 10

	// After a run of non-EOS tokens long enough to resemble a sentence,
	// start favoring EOS so stub generations terminate on their own.
	if len(c.history) > 48 {
		logits[0] = 12
	}

	c.logits = logits
	return nil
}

func (c *stubContext) Logits() []float32 { return c.logits }

func (c *stubContext) Close() {
	c.closed = true
}

// NewLoader returns the Loader linked into default (non-`llamacpp`)
// builds: it ignores the GGUF file contents and returns a Stub seeded
// with generic-family metadata, since there is no GGUF parser in this
// build.
func NewLoader() Loader {
	return func(opts LoadOptions) (Model, error) {
		if opts.ModelPath == "" {
			return nil, fmt.Errorf("llamart: model path is required")
		}
		meta := Metadata{
			ContextLength:       32768,
			ChatTemplateFamily:  FamilyGeneric,
			DefaultSystemPrompt: "",
			GeneralName:         opts.ModelPath,
		}
		return NewStub(meta), nil
	}
}
