package chattemplate

import (
	"strings"

	"github.com/intelligencedev/localforge/internal/llamart"
)

// Parse reverses Assemble for family, recovering the original role
// blocks modulo whitespace normalization. The trailing open assistant
// turn Assemble appends is dropped.
func Parse(family llamart.ChatTemplateFamily, prompt string) ([]Message, error) {
	switch family {
	case llamart.FamilyChatML:
		return parseChatML(prompt), nil
	case llamart.FamilyLlama3:
		return parseLlama3(prompt), nil
	case llamart.FamilyGemma:
		return parseGemma(prompt), nil
	case llamart.FamilyMistral:
		return parseMistral(prompt), nil
	default:
		return parseGeneric(prompt), nil
	}
}

func normalize(s string) string {
	return strings.TrimSpace(s)
}

func parseChatML(prompt string) []Message {
	var out []Message
	parts := strings.Split(prompt, "<|im_start|>")
	for _, p := range parts {
		p = strings.TrimSuffix(p, "<|im_end|>\n")
		p = strings.TrimSuffix(p, "<|im_end|>")
		nl := strings.IndexByte(p, '\n')
		if nl < 0 {
			continue
		}
		role := strings.TrimSpace(p[:nl])
		content := normalize(p[nl+1:])
		if role == "assistant" && content == "" {
			continue
		}
		if role == "" {
			continue
		}
		out = append(out, Message{Role: Role(role), Content: content})
	}
	return out
}

func parseLlama3(prompt string) []Message {
	var out []Message
	prompt = strings.TrimPrefix(prompt, "<|begin_of_text|>")
	parts := strings.Split(prompt, "<|start_header_id|>")
	for _, p := range parts {
		if p == "" {
			continue
		}
		p = strings.TrimSuffix(p, "<|eot_id|>")
		headerEnd := strings.Index(p, "<|end_header_id|>")
		if headerEnd < 0 {
			continue
		}
		role := strings.TrimSpace(p[:headerEnd])
		content := normalize(strings.TrimPrefix(p[headerEnd+len("<|end_header_id|>"):], "\n\n"))
		if role == "assistant" && content == "" {
			continue
		}
		out = append(out, Message{Role: Role(role), Content: content})
	}
	return out
}

func parseGemma(prompt string) []Message {
	var out []Message
	parts := strings.Split(prompt, "<start_of_turn>")
	for _, p := range parts {
		if p == "" {
			continue
		}
		p = strings.TrimSuffix(p, "<end_of_turn>\n")
		p = strings.TrimSuffix(p, "<end_of_turn>")
		nl := strings.IndexByte(p, '\n')
		if nl < 0 {
			continue
		}
		role := strings.TrimSpace(p[:nl])
		content := normalize(p[nl+1:])
		if role == "model" {
			role = string(RoleAssistant)
			if content == "" {
				continue
			}
		}
		out = append(out, Message{Role: Role(role), Content: content})
	}
	return out
}

func parseMistral(prompt string) []Message {
	var out []Message
	rest := prompt
	for {
		instIdx := strings.Index(rest, "[INST] ")
		if instIdx < 0 {
			break
		}
		rest = rest[instIdx+len("[INST] "):]
		closeIdx := strings.Index(rest, " [/INST]")
		if closeIdx < 0 {
			break
		}
		userContent := rest[:closeIdx]
		rest = rest[closeIdx+len(" [/INST]"):]

		// The system prompt, if any, was prepended to the first user
		// turn; there is no delimiter separating them, so it is folded
		// into the user message on parse-back — an accepted lossy edge
		// for Mistral's template, which has no native system role.
		out = append(out, Message{Role: RoleUser, Content: normalize(userContent)})

		if asstEnd := strings.Index(rest, "</s>"); asstEnd >= 0 {
			asstContent := rest[:asstEnd]
			rest = rest[asstEnd+len("</s>"):]
			if c := normalize(asstContent); c != "" {
				out = append(out, Message{Role: RoleAssistant, Content: c})
			}
		}
	}
	return out
}

func parseGeneric(prompt string) []Message {
	var out []Message
	lines := strings.Split(prompt, "\n\n")
	for _, block := range lines {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		for _, prefix := range []Role{RoleSystem, RoleUser, RoleAssistant} {
			tag := strings.ToUpper(string(prefix)) + ": "
			if strings.HasPrefix(block, tag) {
				content := normalize(strings.TrimPrefix(block, tag))
				if prefix == RoleAssistant && content == "" {
					break
				}
				out = append(out, Message{Role: prefix, Content: content})
				break
			}
		}
	}
	return out
}
