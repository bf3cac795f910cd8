// Package chattemplate assembles a single prompt string from a
// role-tagged conversation transcript, using family-specific rendering
// recipes, and can parse an assembled prompt back into role blocks
// (used by tests to check the assembly is round-trippable, and by the
// worker when replaying a transcript built by a different process).
//
// No pack example implements a GGUF chat-template encoder directly; this
// follows manifold's general string-building idiom — small pure
// functions per case, strings.Builder accumulation — seen in
// manifold/internal/imggen and manifold/internal/documents.
package chattemplate

import (
	"fmt"
	"strings"

	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/llamart"
)

// Role is one transcript turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged transcript turn.
type Message struct {
	Role    Role
	Content string
}

// Tool is a single entry in the Tools block the system turn advertises
// to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  string // human-readable schema, not JSON Schema
}

// Assemble renders messages into a single prompt string for the given
// chat-template family, injecting a Tools block (when tools is
// non-empty) into the system turn — or the first user turn for Gemma,
// which has no system role.
func Assemble(family llamart.ChatTemplateFamily, messages []Message, tags config.ToolTags, tools []Tool) (string, error) {
	msgs := append([]Message{}, messages...)
	if len(tools) > 0 {
		block := toolsBlock(tags, tools)
		msgs = injectToolsBlock(family, msgs, block)
	}

	switch family {
	case llamart.FamilyChatML:
		return assembleChatML(msgs), nil
	case llamart.FamilyMistral:
		return assembleMistral(msgs), nil
	case llamart.FamilyLlama3:
		return assembleLlama3(msgs), nil
	case llamart.FamilyGemma:
		return assembleGemma(msgs), nil
	case llamart.FamilyGeneric, "":
		return assembleGeneric(msgs), nil
	default:
		return "", fmt.Errorf("chattemplate: unknown family %q", family)
	}
}

func toolsBlock(tags config.ToolTags, tools []Tool) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, t.Parameters, t.Description)
	}
	fmt.Fprintf(&b, "To call a tool, write %s<tool call>%s. Its output returns wrapped in %s...%s.",
		tags.ExecOpen, tags.ExecClose, tags.OutputOpen, tags.OutputClose)
	return b.String()
}

func injectToolsBlock(family llamart.ChatTemplateFamily, msgs []Message, block string) []Message {
	targetRole := RoleSystem
	if family == llamart.FamilyGemma {
		targetRole = RoleUser
	}
	for i := range msgs {
		if msgs[i].Role == targetRole {
			msgs[i].Content = msgs[i].Content + "\n\n" + block
			return msgs
		}
	}
	// No turn of the target role exists yet (e.g. no system prompt
	// configured): synthesize one at the front so the model still sees it.
	return append([]Message{{Role: targetRole, Content: block}}, msgs...)
}

func assembleChatML(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func assembleMistral(msgs []Message) string {
	var b strings.Builder
	var pendingSystem string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			pendingSystem = m.Content
		case RoleUser:
			content := m.Content
			if pendingSystem != "" {
				content = pendingSystem + "\n\n" + content
				pendingSystem = ""
			}
			fmt.Fprintf(&b, "[INST] %s [/INST]", content)
		case RoleAssistant:
			fmt.Fprintf(&b, "%s</s>", m.Content)
		}
	}
	return b.String()
}

func assembleLlama3(msgs []Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range msgs {
		fmt.Fprintf(&b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

func assembleGemma(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		role := string(m.Role)
		if m.Role == RoleAssistant {
			role = "model"
		}
		fmt.Fprintf(&b, "<start_of_turn>%s\n%s<end_of_turn>\n", role, m.Content)
	}
	b.WriteString("<start_of_turn>model\n")
	return b.String()
}

func assembleGeneric(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	b.WriteString("ASSISTANT: ")
	return b.String()
}
