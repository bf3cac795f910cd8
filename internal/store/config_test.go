package store

import (
	"testing"
	"time"

	"github.com/intelligencedev/localforge/internal/config"
)

func TestGetGlobalKnobsSeedsDefaultsOnFirstAccess(t *testing.T) {
	s := openTestStore(t)
	knobs, err := s.GetGlobalKnobs()
	if err != nil {
		t.Fatalf("GetGlobalKnobs: %v", err)
	}
	if knobs.Sampler.Kind != config.DefaultKnobs().Sampler.Kind {
		t.Fatalf("expected default sampler kind seeded, got %q", knobs.Sampler.Kind)
	}
}

func TestConversationKnobsFallBackToGlobal(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	id := NewConversationID(now)
	s.CreateConversation(id, now, "", "")

	global, _ := s.GetGlobalKnobs()
	got, err := s.GetConversationKnobs(id)
	if err != nil {
		t.Fatalf("GetConversationKnobs: %v", err)
	}
	if got.Sampler.Kind != global.Sampler.Kind {
		t.Fatalf("expected fallback to global knobs when no snapshot exists")
	}
}

func TestConversationKnobsSnapshotIsIndependentOfLaterGlobalChanges(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	id := NewConversationID(now)
	s.CreateConversation(id, now, "", "")

	snapshot := config.DefaultKnobs()
	snapshot.Sampler.Kind = config.SamplerGreedy
	if err := s.SnapshotConversationKnobs(id, snapshot, now); err != nil {
		t.Fatalf("SnapshotConversationKnobs: %v", err)
	}

	changed := config.DefaultKnobs()
	changed.Sampler.Kind = config.SamplerMirostat
	if err := s.SetGlobalKnobs(changed, now); err != nil {
		t.Fatalf("SetGlobalKnobs: %v", err)
	}

	got, err := s.GetConversationKnobs(id)
	if err != nil {
		t.Fatalf("GetConversationKnobs: %v", err)
	}
	if got.Sampler.Kind != config.SamplerGreedy {
		t.Fatalf("expected snapshot to stay pinned to greedy, got %q", got.Sampler.Kind)
	}
}
