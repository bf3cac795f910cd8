package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/generation"
	"github.com/intelligencedev/localforge/internal/ipc"
	"github.com/intelligencedev/localforge/internal/llamart"
	"github.com/intelligencedev/localforge/internal/logging"
	"github.com/intelligencedev/localforge/internal/store"
)

// worker is the long-lived process state described by the worker
// process's component design: one loaded model at a time, one
// in-flight generation at a time, and a mutex-serialized IPC writer in
// place of an explicit outbound queue — since every response already
// needs to go out one line at a time in whatever order it's produced,
// a plain mutex around the writer gives the same ordering guarantee an
// outbound channel would, with less plumbing.
type worker struct {
	store        *store.Store
	loader       llamart.Loader
	toolBaseDir  string
	shellTimeout time.Duration

	writeMu sync.Mutex
	out     io.Writer

	mu        sync.Mutex
	model     llamart.Model
	meta      llamart.Metadata
	modelPath string
	gpuLayers int
	loaded    bool
	engine    *generation.Engine

	genMu     sync.Mutex
	genActive bool
	genDone   chan struct{}
}

func newWorker(st *store.Store, loader llamart.Loader, out io.Writer, toolBaseDir string, shellTimeout time.Duration) *worker {
	return &worker{store: st, loader: loader, out: out, toolBaseDir: toolBaseDir, shellTimeout: shellTimeout}
}

// run reads one JSON request per line from in until EOF or a Shutdown
// command, dispatching each to its handler.
func (w *worker) run(in io.Reader) {
	cmdCh := make(chan ipc.Request, 64)
	go w.readLoop(in, cmdCh)

	for req := range cmdCh {
		if w.dispatch(req) {
			return
		}
	}
}

func (w *worker) readLoop(in io.Reader, cmdCh chan<- ipc.Request) {
	defer close(cmdCh)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req ipc.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logging.Log.WithError(err).Warn("worker: malformed IPC line, dropping")
			continue
		}
		cmdCh <- req
	}
	if err := scanner.Err(); err != nil {
		logging.Log.WithError(err).Warn("worker: stdin read error")
	}
}

// dispatch handles one request and reports whether the worker should
// now exit (true only for Shutdown).
func (w *worker) dispatch(req ipc.Request) (exit bool) {
	switch req.Command {
	case ipc.CmdPing:
		w.send(ipc.Response{ID: req.ID, Payload: ipc.PayloadPong})

	case ipc.CmdShutdown:
		w.cancelAndJoinGeneration()
		w.send(ipc.Response{ID: req.ID, Payload: ipc.PayloadPong})
		return true

	case ipc.CmdLoadModel:
		var body ipc.LoadModelBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			w.send(errorResponse(req.ID, fmt.Sprintf("decode load_model body: %v", err)))
			break
		}
		w.send(w.handleLoadModel(req.ID, body))

	case ipc.CmdUnloadModel:
		w.send(w.handleUnloadModel(req.ID))

	case ipc.CmdGetModelStatus:
		w.send(w.handleModelStatus(req.ID))

	case ipc.CmdCancelGeneration:
		w.handleCancelGeneration()

	case ipc.CmdGenerate:
		var body ipc.GenerateBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			w.send(errorResponse(req.ID, fmt.Sprintf("decode generate body: %v", err)))
			break
		}
		w.handleGenerate(req.ID, body)

	default:
		w.send(errorResponse(req.ID, fmt.Sprintf("unknown command %q", req.Command)))
	}
	return false
}

func (w *worker) send(resp ipc.Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		logging.Log.WithError(err).Error("worker: encode response")
		return
	}
	line = append(line, '\n')

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.out.Write(line); err != nil {
		logging.Log.WithError(err).Error("worker: write IPC response")
	}
	if f, ok := w.out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
}

func errorResponse(id uint64, message string) ipc.Response {
	body, _ := json.Marshal(ipc.ErrorBody{Message: message})
	return ipc.Response{ID: id, Payload: ipc.PayloadError, Body: body}
}

func (w *worker) generationRunning() bool {
	w.genMu.Lock()
	defer w.genMu.Unlock()
	return w.genActive
}

func (w *worker) cancelAndJoinGeneration() {
	w.mu.Lock()
	eng := w.engine
	w.mu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
	w.genMu.Lock()
	done := w.genDone
	w.genMu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *worker) handleLoadModel(reqID uint64, body ipc.LoadModelBody) ipc.Response {
	if w.generationRunning() {
		return errorResponse(reqID, "cannot load a model while a generation is running")
	}

	gpuLayers := 0
	if body.GPULayers != nil {
		gpuLayers = *body.GPULayers
	}
	model, err := w.loader(llamart.LoadOptions{ModelPath: body.ModelPath, GPULayers: gpuLayers})
	if err != nil {
		return errorResponse(reqID, fmt.Sprintf("load model: %v", err))
	}
	meta := model.Metadata()

	if err := warmSystemPrompt(context.Background(), model, meta); err != nil {
		logging.Log.WithError(err).Warn("worker: system prompt warm-up failed, continuing")
	}

	w.mu.Lock()
	if w.model != nil {
		_ = w.model.Close()
	}
	w.model = model
	w.meta = meta
	w.modelPath = body.ModelPath
	w.gpuLayers = gpuLayers
	w.loaded = true
	w.engine = generation.New(w.store, model, w.toolBaseDir, w.shellTimeout)
	w.mu.Unlock()

	if _, err := w.store.PromoteModelPath(body.ModelPath, time.Now()); err != nil {
		logging.Log.WithError(err).Warn("worker: record model history")
	}

	return ipc.Response{ID: reqID, Payload: ipc.PayloadModelLoaded, Body: mustMarshal(ipc.ModelLoadedBody{
		ModelPath:           body.ModelPath,
		ContextLength:       intPtr(meta.ContextLength),
		ChatTemplateType:    strPtr(string(meta.ChatTemplateFamily)),
		ChatTemplateString:  strPtr(meta.ChatTemplateString),
		GPULayers:           intPtr(gpuLayers),
		GeneralName:         strPtr(meta.GeneralName),
		DefaultSystemPrompt: strPtr(meta.DefaultSystemPrompt),
		HasVision:           meta.HasVision,
	})}
}

// warmSystemPrompt pre-decodes the resolved default system prompt once
// at load time, discarding the context afterward: this build opens a
// fresh context per generation (see DESIGN.md Open Question resolution
// 5), so the warm-up's only effect is exercising the model's first
// forward pass before a user is waiting on it.
func warmSystemPrompt(ctx context.Context, model llamart.Model, meta llamart.Metadata) error {
	prompt := config.ResolveSystemPrompt(config.DefaultKnobs(), meta.GeneralName, meta.DefaultSystemPrompt)
	if prompt == "" {
		return nil
	}
	tokens, err := model.Tokenize(prompt)
	if err != nil || len(tokens) == 0 {
		return err
	}
	decCtx, err := model.NewContext(len(tokens))
	if err != nil {
		return err
	}
	defer decCtx.Close()
	return decCtx.Decode(ctx, llamart.PromptBatch(tokens, 0))
}

func (w *worker) handleUnloadModel(reqID uint64) ipc.Response {
	w.cancelAndJoinGeneration()

	w.mu.Lock()
	if w.model != nil {
		_ = w.model.Close()
	}
	w.model = nil
	w.meta = llamart.Metadata{}
	w.modelPath = ""
	w.gpuLayers = 0
	w.loaded = false
	w.engine = nil
	w.mu.Unlock()

	return ipc.Response{ID: reqID, Payload: ipc.PayloadModelUnloaded}
}

func (w *worker) handleModelStatus(reqID uint64) ipc.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := ipc.ModelStatusBody{Loaded: w.loaded}
	if w.loaded {
		body.ModelPath = strPtr(w.modelPath)
		body.GeneralName = strPtr(w.meta.GeneralName)
		body.ContextLength = intPtr(w.meta.ContextLength)
		body.GPULayers = intPtr(w.gpuLayers)
	}
	return ipc.Response{ID: reqID, Payload: ipc.PayloadModelStatus, Body: mustMarshal(body)}
}

func (w *worker) handleCancelGeneration() {
	w.mu.Lock()
	eng := w.engine
	w.mu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
}

func (w *worker) handleGenerate(reqID uint64, body ipc.GenerateBody) {
	w.mu.Lock()
	eng := w.engine
	loaded := w.loaded
	w.mu.Unlock()
	if !loaded || eng == nil {
		w.send(errorResponse(reqID, "no model loaded"))
		return
	}

	w.genMu.Lock()
	if w.genActive {
		w.genMu.Unlock()
		w.send(errorResponse(reqID, "a generation is already running"))
		return
	}
	w.genActive = true
	done := make(chan struct{})
	w.genDone = done
	w.genMu.Unlock()

	go w.runGeneration(reqID, eng, body, done)
}

// resolveSystemPrompt back-fills convID's stored system prompt using
// the loaded model's metadata the first time the worker touches a
// conversation whose prompt is still empty: a conversation minted by
// the HTTP layer has no model loaded at creation time to resolve a
// "default" mode prompt against, so the worker finishes that
// resolution here, before the turn's transcript is ever rendered.
func (w *worker) resolveSystemPrompt(convID string) error {
	conv, err := w.store.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv.SystemPrompt != "" {
		return nil
	}

	w.mu.Lock()
	meta := w.meta
	w.mu.Unlock()

	knobs, err := w.store.GetConversationKnobs(convID)
	if err != nil {
		return err
	}
	prompt := config.ResolveSystemPrompt(knobs, meta.GeneralName, meta.DefaultSystemPrompt)
	if prompt == "" {
		return nil
	}
	return w.store.SetConversationSystemPrompt(convID, prompt)
}

func (w *worker) runGeneration(reqID uint64, eng *generation.Engine, body ipc.GenerateBody, done chan struct{}) {
	defer close(done)
	defer func() {
		w.genMu.Lock()
		w.genActive = false
		w.genMu.Unlock()
		if r := recover(); r != nil {
			logging.Log.Errorf("worker: generation panic: %v", r)
			w.send(errorResponse(reqID, fmt.Sprintf("generation panic: %v", r)))
		}
	}()

	now := time.Now()
	requestedID := ""
	if body.ConversationID != nil {
		requestedID = *body.ConversationID
	}
	convID, err := w.store.ResolveOrCreateConversation(requestedID, now)
	if err != nil {
		w.send(errorResponse(reqID, fmt.Sprintf("resolve conversation: %v", err)))
		return
	}
	if err := w.resolveSystemPrompt(convID); err != nil {
		logging.Log.WithError(err).Warn("worker: resolve system prompt, continuing with none")
	}

	if !body.SkipUserLogging {
		if _, err := w.store.AppendMessage(convID, store.RoleUser, body.UserMessage, now, false); err != nil {
			w.send(errorResponse(reqID, fmt.Sprintf("append user message: %v", err)))
			return
		}
	}

	onToken := func(piece string, used, max int) {
		w.send(ipc.Response{ID: reqID, Payload: ipc.PayloadToken, Body: mustMarshal(ipc.TokenBody{
			TokenText: piece, TokensUsed: used, MaxTokens: max,
		})})
	}

	result, err := eng.Generate(context.Background(), generation.Request{ConversationID: convID}, onToken)
	if err != nil {
		w.send(errorResponse(reqID, err.Error()))
		return
	}
	if result.Cancelled {
		w.send(ipc.Response{ID: reqID, Payload: ipc.PayloadGenerationCancelled})
		return
	}
	w.send(ipc.Response{ID: reqID, Payload: ipc.PayloadGenerationComplete, Body: mustMarshal(ipc.GenerationCompleteBody{
		ConversationID:  result.ConversationID,
		TokensUsed:      result.TokensUsed,
		MaxTokens:       result.MaxTokens,
		PromptTokPerSec: floatPtr(result.PromptTokPerSec),
		GenTokPerSec:    floatPtr(result.GenTokPerSec),
	})})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Log.WithError(err).Error("worker: marshal response body")
		return nil
	}
	return data
}

func intPtr(v int) *int            { return &v }
func strPtr(v string) *string      { return &v }
func floatPtr(v float64) *float64  { return &v }
