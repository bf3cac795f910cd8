package chattemplate

import (
	"reflect"
	"testing"

	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/llamart"
)

func sampleMessages() []Message {
	return []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "What is the capital of France?"},
		{Role: RoleAssistant, Content: "Paris."},
		{Role: RoleUser, Content: "And of Germany?"},
	}
}

func TestRoundTripChatML(t *testing.T) {
	msgs := sampleMessages()
	prompt, err := Assemble(llamart.FamilyChatML, msgs, config.DefaultToolTags(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := Parse(llamart.FamilyChatML, prompt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Fatalf("round-trip mismatch:\nwant %+v\ngot  %+v", msgs, got)
	}
}

func TestRoundTripLlama3(t *testing.T) {
	msgs := sampleMessages()
	prompt, err := Assemble(llamart.FamilyLlama3, msgs, config.DefaultToolTags(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := Parse(llamart.FamilyLlama3, prompt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Fatalf("round-trip mismatch:\nwant %+v\ngot  %+v", msgs, got)
	}
}

func TestRoundTripGemmaUserAndModelTurns(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Hi there."},
	}
	prompt, err := Assemble(llamart.FamilyGemma, msgs, config.DefaultToolTags(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := Parse(llamart.FamilyGemma, prompt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Fatalf("round-trip mismatch:\nwant %+v\ngot  %+v", msgs, got)
	}
}

func TestRoundTripGeneric(t *testing.T) {
	msgs := sampleMessages()
	prompt, err := Assemble(llamart.FamilyGeneric, msgs, config.DefaultToolTags(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := Parse(llamart.FamilyGeneric, prompt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Fatalf("round-trip mismatch:\nwant %+v\ngot  %+v", msgs, got)
	}
}

func TestToolsBlockInjectedIntoSystemTurn(t *testing.T) {
	msgs := sampleMessages()
	tools := []Tool{{Name: "list_directory", Description: "list files", Parameters: "path string"}}
	prompt, err := Assemble(llamart.FamilyChatML, msgs, config.DefaultToolTags(), tools)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !contains(prompt, "list_directory") {
		t.Fatalf("expected tools block to mention list_directory, got: %s", prompt)
	}
	if !contains(prompt, config.DefaultToolTags().ExecOpen) {
		t.Fatalf("expected tools block to mention exec-open tag, got: %s", prompt)
	}
}

func TestToolsBlockInjectedIntoFirstUserTurnForGemma(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "Hi"}}
	tools := []Tool{{Name: "read_file", Description: "read a file", Parameters: "path string"}}
	prompt, err := Assemble(llamart.FamilyGemma, msgs, config.DefaultToolTags(), tools)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !contains(prompt, "read_file") {
		t.Fatalf("expected tools block injected for gemma, got: %s", prompt)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOfSubstring(haystack, needle) >= 0
}

func indexOfSubstring(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
