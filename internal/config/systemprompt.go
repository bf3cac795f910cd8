package config

import "strings"

// modelToolTags is a small table of native exec/output delimiter pairs
// for model families that expect their own tool-call convention instead
// of the universal one. Looked up by a case-insensitive substring match
// against the loaded model's GGUF general-name.
var modelToolTags = map[string]ToolTags{
	"hermes": {
		ExecOpen: "<tool_call>", ExecClose: "</tool_call>",
		OutputOpen: "<tool_response>", OutputClose: "</tool_response>",
	},
	"qwen": {
		ExecOpen: "<tool_call>", ExecClose: "</tool_call>",
		OutputOpen: "<tool_response>", OutputClose: "</tool_response>",
	},
}

// toolTagsForModel returns the native tag pair registered for a model
// family, matching generalName case-insensitively against substrings in
// modelToolTags, or false if none apply.
func toolTagsForModel(generalName string) (ToolTags, bool) {
	lower := strings.ToLower(generalName)
	for key, tags := range modelToolTags {
		if strings.Contains(lower, key) {
			return tags, true
		}
	}
	return ToolTags{}, false
}

// ResolveSystemPrompt turns a conversation's configured system-prompt
// mode into the literal text to snapshot onto the conversation row.
// modelDefaultPrompt is the GGUF-embedded default (used for the
// "default" mode); modelGeneralName drives the per-model tag lookup
// used by the agentic sentinel.
func ResolveSystemPrompt(knobs Knobs, modelGeneralName, modelDefaultPrompt string) string {
	switch knobs.SystemPromptKind {
	case SystemPromptDefault:
		return modelDefaultPrompt
	case SystemPromptUserDefined:
		return knobs.SystemPromptText
	case SystemPromptCustom:
		if knobs.SystemPromptText == AgenticSystemPromptSentinel {
			return UniversalAgenticPrompt(resolveAgenticTags(knobs, modelGeneralName))
		}
		return knobs.SystemPromptText
	default:
		return modelDefaultPrompt
	}
}

// resolveAgenticTags picks the tag dictionary the agentic template's
// placeholders are filled with: an explicit non-default override in
// knobs wins, then a known per-model native pair, then the universal
// defaults.
func resolveAgenticTags(knobs Knobs, modelGeneralName string) ToolTags {
	if knobs.ToolTags != DefaultToolTags() && knobs.ToolTags != (ToolTags{}) {
		return knobs.ToolTags
	}
	if tags, ok := toolTagsForModel(modelGeneralName); ok {
		return tags
	}
	return DefaultToolTags()
}

// UniversalAgenticPrompt renders the model-agnostic system prompt that
// teaches a model with no native tool-calling template how to invoke
// the built-in tools using tags's delimiters.
func UniversalAgenticPrompt(tags ToolTags) string {
	var b strings.Builder
	b.WriteString("You are a capable assistant with direct access to the local machine. ")
	b.WriteString("When you need to read or write a file, list a directory, or run code, ")
	b.WriteString("emit exactly one tool call and then stop writing until you see its result.\n\n")
	b.WriteString("Invoke a tool by writing its call between these exact tags:\n")
	b.WriteString(tags.ExecOpen)
	b.WriteString(`{"name":"<tool_name>","arguments":{...}}`)
	b.WriteString(tags.ExecClose)
	b.WriteString("\n\n")
	b.WriteString("Available tools: read_file(path), write_file(path, content), ")
	b.WriteString("list_directory(path, recursive?), execute_python(code), execute_command(command).\n\n")
	b.WriteString("The tool's output will be returned to you wrapped in:\n")
	b.WriteString(tags.OutputOpen)
	b.WriteString("...")
	b.WriteString(tags.OutputClose)
	b.WriteString("\n\nContinue the conversation naturally after reading it. Never fabricate a tool's output yourself.")
	return b.String()
}
