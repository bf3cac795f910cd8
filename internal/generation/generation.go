// Package generation implements the decode loop that runs inside the
// worker process: it assembles a prompt from a conversation's stored
// transcript, builds a sampler chain, primes a fresh decode context,
// samples tokens one at a time until a stop condition fires, executes
// any inline tool call the model emits, and re-injects the tool's
// output into the live context before resuming. Every emitted piece is
// persisted to the streaming buffer and handed to an optional callback
// so the worker can forward it over IPC.
package generation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/intelligencedev/localforge/internal/chattemplate"
	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/llamart"
	"github.com/intelligencedev/localforge/internal/sampler"
	"github.com/intelligencedev/localforge/internal/store"
	"github.com/intelligencedev/localforge/internal/toolexec"
)

// Request is one generation turn. The caller is responsible for
// appending the user's message to the store (or skipping that, per
// skip_user_logging) before calling Generate; Generate only ever reads
// the transcript back.
type Request struct {
	ConversationID string
}

// Result is the terminal outcome of a Generate call.
type Result struct {
	ConversationID  string
	TokensUsed      int
	MaxTokens       int
	PromptTokPerSec float64
	GenTokPerSec    float64
	Cancelled       bool
}

// TokenFunc is invoked once per emitted piece (generated tokens and
// tool-output pieces alike) so the worker can forward it over IPC
// alongside the store's own persistence.
type TokenFunc func(piece string, tokensUsed, maxTokens int)

// Engine runs generations against a single loaded Model. It holds no
// per-conversation state between calls; everything it needs is either
// passed in Request or read fresh from the store.
type Engine struct {
	Store        *store.Store
	Model        llamart.Model
	ToolBaseDir  string
	ShellTimeout time.Duration

	cancel atomic.Bool
}

// New builds an Engine bound to a loaded model and a tool sandbox root.
func New(st *store.Store, model llamart.Model, toolBaseDir string, shellTimeout time.Duration) *Engine {
	return &Engine{Store: st, Model: model, ToolBaseDir: toolBaseDir, ShellTimeout: shellTimeout}
}

// Cancel sets the cooperative cancellation flag; the running decode
// loop observes it between sampled tokens.
func (e *Engine) Cancel() {
	e.cancel.Store(true)
}

func advertisedTools() []chattemplate.Tool {
	return []chattemplate.Tool{
		{Name: "read_file", Description: "Read a file's contents.", Parameters: "path"},
		{Name: "write_file", Description: "Write content to a file, creating parent directories.", Parameters: "path, content"},
		{Name: "list_directory", Description: "List entries in a directory.", Parameters: "path, recursive?"},
		{Name: "execute_python", Description: "Run a snippet of Python and return its output.", Parameters: "code"},
		{Name: "execute_command", Description: "Run a shell command and return its output.", Parameters: "command"},
	}
}

func resolveContextSize(knobs config.Knobs, meta llamart.Metadata) int {
	if knobs.Context.ContextSize > 0 {
		return knobs.Context.ContextSize
	}
	if meta.ContextLength > 0 {
		return meta.ContextLength
	}
	return config.DefaultContextConfig().ContextSize
}

func promptBatchSize(promptLen int) int {
	n := promptLen + 512
	if n > 2048 {
		n = 2048
	}
	return n
}

// Generate runs one full turn: assemble → prime → decode → (tool
// round-trip)* → finalize. The user message has already been appended
// to the store by the caller; Generate only reads the transcript back.
func (e *Engine) Generate(ctx context.Context, req Request, onToken TokenFunc) (Result, error) {
	e.cancel.Store(false)

	knobs, err := e.Store.GetConversationKnobs(req.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("generation: load knobs: %w", err)
	}

	transcript, err := e.Store.RenderTranscript(req.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("generation: render transcript: %w", err)
	}
	turns := store.ParseTranscript(transcript)
	messages := make([]chattemplate.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, chattemplate.Message{Role: chattemplate.Role(t.Role), Content: t.Content})
	}

	meta := e.Model.Metadata()
	prompt, err := chattemplate.Assemble(meta.ChatTemplateFamily, messages, knobs.ToolTags, advertisedTools())
	if err != nil {
		return Result{}, fmt.Errorf("generation: assemble prompt: %w", err)
	}

	promptTokens, err := e.Model.Tokenize(prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generation: tokenize prompt: %w", err)
	}

	contextSize := resolveContextSize(knobs, meta)
	decCtx, err := e.Model.NewContext(promptBatchSize(len(promptTokens)))
	if err != nil {
		return Result{}, fmt.Errorf("generation: open context: %w", err)
	}
	defer decCtx.Close()

	promptStart := time.Now()
	if err := decCtx.Decode(ctx, llamart.PromptBatch(promptTokens, 0)); err != nil {
		return Result{}, fmt.Errorf("generation: prime prompt: %w", err)
	}
	promptMs := time.Since(promptStart)

	if _, err := e.Store.StartStreaming(req.ConversationID, time.Now(), contextSize); err != nil {
		return Result{}, fmt.Errorf("generation: start streaming: %w", err)
	}

	chain := sampler.Build(knobs.Sampler)
	dispatcher := toolexec.NewDispatcher(e.ToolBaseDir, e.ShellTimeout)

	run := &turnState{
		engine:      e,
		req:         req,
		onToken:     onToken,
		knobs:       knobs,
		meta:        meta,
		chain:       chain,
		dispatcher:  dispatcher,
		decCtx:      decCtx,
		tokenPos:    int32(len(promptTokens)),
		maxTotal:    maxTotalTokens(contextSize, len(promptTokens)),
		lastScanPos: 0,
	}

	genStart := time.Now()
	status, err := run.loop(ctx)
	genMs := time.Since(genStart)
	if err != nil {
		return Result{}, err
	}

	var finalMsg store.Message
	switch status {
	case statusCancelled:
		finalMsg, err = e.Store.CancelStreaming(req.ConversationID)
	default:
		finalMsg, err = e.Store.FinalizeStreaming(req.ConversationID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("generation: finalize: %w", err)
	}
	_ = finalMsg

	result := Result{
		ConversationID: req.ConversationID,
		TokensUsed:     run.totalGenerated,
		MaxTokens:      run.maxTotal,
		Cancelled:      status == statusCancelled,
	}
	if promptMs > 0 {
		result.PromptTokPerSec = float64(len(promptTokens)) / promptMs.Seconds()
	}
	if genMs > 0 && run.totalGenerated > 0 {
		result.GenTokPerSec = float64(run.totalGenerated) / genMs.Seconds()
	}
	return result, nil
}

func maxTotalTokens(contextSize, promptLen int) int {
	max := contextSize - promptLen - 128
	if max < 512 {
		max = 512
	}
	return max
}

type stepStatus int

const (
	statusStopped stepStatus = iota
	statusCancelled
)

// turnState carries the mutable state of one Generate call's decode
// loop across the inner/outer loop split, so the outer tool-round-trip
// logic and the inner per-token sampling loop can share it without a
// long parameter list.
type turnState struct {
	engine     *Engine
	req        Request
	onToken    TokenFunc
	knobs      config.Knobs
	meta       llamart.Metadata
	chain      *sampler.Chain
	dispatcher *toolexec.Dispatcher
	decCtx     llamart.Context

	response       strings.Builder
	recent         []int32
	tokenPos       int32
	totalGenerated int
	maxTotal       int
	lastScanPos    int
}

// loop runs the outer tool-round-trip loop: decode until a stop fires,
// then look for a complete exec block past the last-scanned offset; if
// one is found, dispatch it, inject its output, and resume decoding.
func (t *turnState) loop(ctx context.Context) (stepStatus, error) {
	for {
		status, err := t.decodeUntilStop(ctx)
		if err != nil {
			return status, err
		}
		if status == statusCancelled {
			return status, nil
		}
		if t.totalGenerated >= t.maxTotal {
			return statusStopped, nil
		}

		body, found := findExecBlock(t.response.String()[t.lastScanPos:], t.knobs.ToolTags)
		if !found {
			return statusStopped, nil
		}
		if err := t.runTool(ctx, body); err != nil {
			return statusStopped, err
		}
	}
}

// decodeUntilStop samples and decodes tokens one at a time until EOS,
// a configured stop token, cancellation, or the context ceiling.
func (t *turnState) decodeUntilStop(ctx context.Context) (stepStatus, error) {
	for {
		if t.engine.cancel.Load() {
			return statusCancelled, nil
		}
		if t.totalGenerated >= t.maxTotal {
			return statusStopped, nil
		}

		logits := t.decCtx.Logits()
		next := t.chain.Sample(logits, t.recent)
		if next == int32(t.meta.EOSToken) {
			return statusStopped, nil
		}

		if err := t.decCtx.Decode(ctx, llamart.SingleToken(llamart.Token(next), t.tokenPos)); err != nil {
			return statusStopped, fmt.Errorf("generation: decode: %w", err)
		}
		t.tokenPos++
		t.totalGenerated++
		t.recent = append(t.recent, next)

		piece, ok := t.engine.Model.TokenToPiece(llamart.Token(next))
		if !ok {
			continue
		}

		committed := t.response.String()
		testResponse := committed + piece
		if !insideExecBlock(testResponse, t.knobs.ToolTags) {
			if stopped, truncated := matchStopToken(testResponse, t.knobs.StopTokens); stopped {
				// Only the portion of the stop-free prefix not already
				// committed (streamed and persisted) gets emitted; a
				// match whose start falls inside already-committed text
				// is an edge case no per-step check could have caught
				// earlier, so that prefix stands as emitted.
				if len(truncated) > len(committed) {
					newPart := truncated[len(committed):]
					t.response.WriteString(newPart)
					if err := t.emit(newPart); err != nil {
						return statusStopped, err
					}
				}
				return statusStopped, nil
			}
		}

		t.response.WriteString(piece)
		if err := t.emit(piece); err != nil {
			return statusStopped, err
		}
	}
}

// runTool parses and dispatches one exec block, wraps its output in
// the configured output fence, streams it as a sequence of pieces the
// same way generated tokens are streamed, and decodes it into the live
// context so the next sample is conditioned on it.
func (t *turnState) runTool(ctx context.Context, body string) error {
	var output string
	call, err := toolexec.ParseCall(body)
	if err != nil {
		output = fmt.Sprintf("error: %v", err)
	} else {
		output = t.dispatcher.Dispatch(ctx, call)
	}

	wrapped := t.knobs.ToolTags.OutputOpen + output + t.knobs.ToolTags.OutputClose
	t.response.WriteString(wrapped)

	wrappedTokens, err := t.engine.Model.Tokenize(wrapped)
	if err != nil {
		return fmt.Errorf("generation: tokenize tool output: %w", err)
	}
	for _, tok := range wrappedTokens {
		piece, ok := t.engine.Model.TokenToPiece(tok)
		if !ok {
			continue
		}
		if err := t.emit(piece); err != nil {
			return err
		}
	}

	if len(wrappedTokens) > 0 {
		if err := t.decCtx.Decode(ctx, llamart.PromptBatch(wrappedTokens, t.tokenPos)); err != nil {
			return fmt.Errorf("generation: decode tool output: %w", err)
		}
		t.tokenPos += int32(len(wrappedTokens))
	}

	t.lastScanPos = t.response.Len()
	return nil
}

func (t *turnState) emit(piece string) error {
	if _, err := t.engine.Store.AppendToken(t.req.ConversationID, piece, t.totalGenerated, t.maxTotal, time.Now()); err != nil {
		return fmt.Errorf("generation: append token: %w", err)
	}
	if t.onToken != nil {
		t.onToken(piece, t.totalGenerated, t.maxTotal)
	}
	return nil
}
