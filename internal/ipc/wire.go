// Package ipc defines the JSON Lines wire format shared by the worker
// process and the server-side bridge. Every value on the wire is exactly
// one JSON object per line; the worker emits responses on its
// fd-swapped stdout and reads requests from stdin, one object per
// Scan().
package ipc

import "encoding/json"

// CommandKind tags the variant carried by a Request's Command field.
type CommandKind string

const (
	CmdPing             CommandKind = "ping"
	CmdShutdown         CommandKind = "shutdown"
	CmdLoadModel        CommandKind = "load_model"
	CmdUnloadModel      CommandKind = "unload_model"
	CmdGetModelStatus   CommandKind = "get_model_status"
	CmdCancelGeneration CommandKind = "cancel_generation"
	CmdGenerate         CommandKind = "generate"
)

// PayloadKind tags the variant carried by a Response's Payload field.
type PayloadKind string

const (
	PayloadPong                PayloadKind = "pong"
	PayloadModelLoaded         PayloadKind = "model_loaded"
	PayloadModelUnloaded       PayloadKind = "model_unloaded"
	PayloadModelStatus         PayloadKind = "model_status"
	PayloadToken               PayloadKind = "token"
	PayloadGenerationComplete  PayloadKind = "generation_complete"
	PayloadGenerationCancelled PayloadKind = "generation_cancelled"
	PayloadError               PayloadKind = "error"
)

// CancelGenerationID is the fixed request id used for the fire-and-forget
// CancelGeneration command, which expects no response.
const CancelGenerationID uint64 = 0

// Request is one line written to the worker's stdin.
type Request struct {
	ID      uint64          `json:"id"`
	Command CommandKind     `json:"command"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Response is one line written to the worker's IPC stdout.
type Response struct {
	ID      uint64          `json:"id"`
	Payload PayloadKind     `json:"payload"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// LoadModelBody is the body of a LoadModel command.
type LoadModelBody struct {
	ModelPath string `json:"model_path"`
	GPULayers *int   `json:"gpu_layers,omitempty"`
}

// GenerateBody is the body of a Generate command.
type GenerateBody struct {
	UserMessage     string   `json:"user_message"`
	ConversationID  *string  `json:"conversation_id,omitempty"`
	SkipUserLogging bool     `json:"skip_user_logging"`
	ImageData       []string `json:"image_data,omitempty"`
}

// ModelLoadedBody is the body of a ModelLoaded response.
type ModelLoadedBody struct {
	ModelPath           string  `json:"model_path"`
	ContextLength       *int    `json:"context_length,omitempty"`
	ChatTemplateType    *string `json:"chat_template_type,omitempty"`
	ChatTemplateString  *string `json:"chat_template_string,omitempty"`
	GPULayers           *int    `json:"gpu_layers,omitempty"`
	GeneralName         *string `json:"general_name,omitempty"`
	DefaultSystemPrompt *string `json:"default_system_prompt,omitempty"`
	HasVision           bool    `json:"has_vision,omitempty"`
}

// ModelStatusBody is the body of a ModelStatus response.
type ModelStatusBody struct {
	Loaded        bool    `json:"loaded"`
	ModelPath     *string `json:"model_path,omitempty"`
	GeneralName   *string `json:"general_name,omitempty"`
	ContextLength *int    `json:"context_length,omitempty"`
	GPULayers     *int    `json:"gpu_layers,omitempty"`
}

// TokenBody is the body of a Token response, emitted once per generated
// token.
type TokenBody struct {
	TokenText  string `json:"token_text"`
	TokensUsed int    `json:"tokens_used"`
	MaxTokens  int    `json:"max_tokens"`
}

// GenerationCompleteBody is the body of the terminal GenerationComplete
// response.
type GenerationCompleteBody struct {
	ConversationID string   `json:"conversation_id"`
	TokensUsed     int      `json:"tokens_used"`
	MaxTokens      int      `json:"max_tokens"`
	PromptTokPerSec *float64 `json:"prompt_tok_per_sec,omitempty"`
	GenTokPerSec    *float64 `json:"gen_tok_per_sec,omitempty"`
}

// ErrorBody is the body of an Error response.
type ErrorBody struct {
	Message string `json:"message"`
}
