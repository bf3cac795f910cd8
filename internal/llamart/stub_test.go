package llamart

import (
	"context"
	"testing"
)

func TestStubTokenizeGrowsVocab(t *testing.T) {
	s := NewStub(Metadata{})
	toks, err := s.Tokenize("hello world hello")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(toks) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(toks))
	}
	if toks[0] != toks[2] {
		t.Fatalf("expected repeated word to reuse token id, got %v and %v", toks[0], toks[2])
	}
	if toks[0] == toks[1] {
		t.Fatalf("expected distinct words to get distinct ids")
	}
}

func TestStubDecodeIsDeterministic(t *testing.T) {
	s := NewStub(Metadata{})
	toks, _ := s.Tokenize("the quick brown fox")

	run := func() []float32 {
		ctx, err := s.NewContext(8)
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		defer ctx.Close()
		if err := ctx.Decode(context.Background(), Batch{Tokens: toks}); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return ctx.Logits()
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("logits length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical logits across runs at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestStubContextRejectsUseAfterClose(t *testing.T) {
	s := NewStub(Metadata{})
	ctx, _ := s.NewContext(4)
	ctx.Close()
	if err := ctx.Decode(context.Background(), Batch{Tokens: []Token{0}}); err == nil {
		t.Fatalf("expected error decoding after Close")
	}
}

func TestStubEOSFavoredAfterLongHistory(t *testing.T) {
	s := NewStub(Metadata{})
	ctx, err := s.NewContext(8)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	toks, _ := s.Tokenize("word")
	var logits []float32
	for i := 0; i < 60; i++ {
		if err := ctx.Decode(context.Background(), Batch{Tokens: toks}); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		logits = ctx.Logits()
	}
	if logits[0] <= 0 {
		t.Fatalf("expected EOS logit to be favored after long history, got %v", logits[0])
	}
}
