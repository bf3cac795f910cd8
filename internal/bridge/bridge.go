// Package bridge is the server-side façade over the worker's IPC pipe:
// it serializes requests, correlates responses by id, demultiplexes
// token frames into the in-flight generation's channel, and exposes
// async methods (load_model, unload_model, force_unload, model_status,
// generate, cancel_generation, is_alive) to the HTTP layer. It owns no
// protocol knowledge beyond internal/ipc's wire types and no process
// knowledge beyond internal/procmanager's Handle.
package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/intelligencedev/localforge/internal/ipc"
	"github.com/intelligencedev/localforge/internal/llamart"
	"github.com/intelligencedev/localforge/internal/logging"
	"github.com/intelligencedev/localforge/internal/procmanager"
)

// TokenEvent is one generated (or tool-output) piece forwarded from the
// worker's Token frames.
type TokenEvent struct {
	TokenText  string
	TokensUsed int
	MaxTokens  int
}

// CompletionKind tags how a generation ended.
type CompletionKind string

const (
	CompletionComplete  CompletionKind = "complete"
	CompletionCancelled CompletionKind = "cancelled"
	CompletionError     CompletionKind = "error"
)

// Completion is the terminal outcome of one generate call.
type Completion struct {
	Kind            CompletionKind
	ConversationID  string
	TokensUsed      int
	MaxTokens       int
	PromptTokPerSec float64
	GenTokPerSec    float64
	ErrorMessage    string
}

// Status mirrors the worker's GetModelStatus response.
type Status struct {
	Loaded        bool
	ModelPath     string
	GeneralName   string
	ContextLength int
	GPULayers     int
}

type activeGen struct {
	id     uint64
	tokens chan TokenEvent
}

type writeJob struct {
	id   uint64
	line []byte
}

// Bridge is the façade described in the package doc. Zero value is not
// usable; construct with New or NewWithIO.
type Bridge struct {
	proc *procmanager.Handle

	nextID atomic.Uint64
	ready  atomic.Bool

	mu      sync.Mutex
	pending map[uint64]chan ipc.Response
	active  *activeGen
	writeCh chan writeJob

	metadata  *llamart.Metadata
	loaded    bool
	modelPath string
}

// New spawns the worker behind proc and wires up its pipes.
func New(proc *procmanager.Handle) (*Bridge, error) {
	if err := proc.Spawn(); err != nil {
		return nil, fmt.Errorf("bridge: spawn worker: %w", err)
	}
	stdin, err := proc.TakeStdin()
	if err != nil {
		return nil, fmt.Errorf("bridge: take stdin: %w", err)
	}
	stdout, err := proc.TakeStdout()
	if err != nil {
		return nil, fmt.Errorf("bridge: take stdout: %w", err)
	}

	b := &Bridge{proc: proc, pending: map[uint64]chan ipc.Response{}}
	b.attachIO(stdin, stdout)
	return b, nil
}

// NewWithIO wires a Bridge directly to a pair of pipes with no
// process manager attached, for driving the protocol against a fake
// worker in tests. ForceUnload is unavailable on a Bridge built this
// way (there is no process to restart).
func NewWithIO(stdin io.WriteCloser, stdout io.ReadCloser) *Bridge {
	b := &Bridge{pending: map[uint64]chan ipc.Response{}}
	b.attachIO(stdin, stdout)
	return b
}

func (b *Bridge) attachIO(stdin io.WriteCloser, stdout io.ReadCloser) {
	ch := make(chan writeJob, 64)
	b.mu.Lock()
	b.writeCh = ch
	b.mu.Unlock()
	b.ready.Store(true)

	go b.writerLoop(stdin, ch)
	go b.readerLoop(stdout)
}

func (b *Bridge) writerLoop(stdin io.WriteCloser, ch chan writeJob) {
	w := bufio.NewWriter(stdin)
	for job := range ch {
		_, err := w.Write(job.line)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			b.ready.Store(false)
			b.failAll("Worker stdin closed")
			return
		}
	}
}

func (b *Bridge) readerLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp ipc.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			logging.Log.WithError(err).Warn("bridge: malformed IPC line, dropping")
			continue
		}
		b.route(resp)
	}
	b.ready.Store(false)
	b.failAll("worker process disconnected")
}

// route demultiplexes one response line: token frames for the active
// generation go to its token channel; everything else (including the
// generation's own terminal frame) resolves a pending record.
func (b *Bridge) route(resp ipc.Response) {
	b.mu.Lock()
	if resp.Payload == ipc.PayloadToken && b.active != nil && b.active.id == resp.ID {
		tokens := b.active.tokens
		b.mu.Unlock()

		var body ipc.TokenBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			logging.Log.WithError(err).Warn("bridge: malformed token frame, dropping")
			return
		}
		select {
		case tokens <- TokenEvent{TokenText: body.TokenText, TokensUsed: body.TokensUsed, MaxTokens: body.MaxTokens}:
		default:
			logging.Log.Warn("bridge: watcher token channel full, dropping token")
		}
		return
	}

	if b.active != nil && b.active.id == resp.ID && isTerminalPayload(resp.Payload) {
		close(b.active.tokens)
		b.active = nil
	}
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()

	if !ok {
		logging.Log.Warnf("bridge: response id %d has no pending request, dropping", resp.ID)
		return
	}
	ch <- resp
}

func isTerminalPayload(p ipc.PayloadKind) bool {
	switch p {
	case ipc.PayloadGenerationComplete, ipc.PayloadGenerationCancelled, ipc.PayloadError:
		return true
	default:
		return false
	}
}

// failAll resolves every pending record with a synthetic error
// response and drops the active generation, used when either pipe
// direction is found to be broken.
func (b *Bridge) failAll(message string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = map[uint64]chan ipc.Response{}
	active := b.active
	b.active = nil
	b.mu.Unlock()

	errBody, _ := json.Marshal(ipc.ErrorBody{Message: message})
	for id, ch := range pending {
		ch <- ipc.Response{ID: id, Payload: ipc.PayloadError, Body: errBody}
	}
	if active != nil {
		close(active.tokens)
	}
}

func (b *Bridge) write(id uint64, kind ipc.CommandKind, body any) error {
	if !b.ready.Load() {
		return errors.New("bridge: worker stdin closed")
	}

	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bridge: encode %s body: %w", kind, err)
		}
		raw = data
	}
	line, err := json.Marshal(ipc.Request{ID: id, Command: kind, Body: raw})
	if err != nil {
		return fmt.Errorf("bridge: encode request: %w", err)
	}
	line = append(line, '\n')

	b.mu.Lock()
	ch := b.writeCh
	b.mu.Unlock()

	ch <- writeJob{id: id, line: line}
	return nil
}

// send issues a request and blocks for its one resolving response.
func (b *Bridge) send(kind ipc.CommandKind, body any) (ipc.Response, error) {
	id := b.nextID.Add(1)
	respCh := make(chan ipc.Response, 1)

	b.mu.Lock()
	b.pending[id] = respCh
	b.mu.Unlock()

	if err := b.write(id, kind, body); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return ipc.Response{}, err
	}
	return <-respCh, nil
}

func errorBodyMessage(body json.RawMessage) string {
	var eb ipc.ErrorBody
	_ = json.Unmarshal(body, &eb)
	return eb.Message
}

// LoadModel refuses (via the worker's own check) while a generation is
// running; on success it caches the reported metadata.
func (b *Bridge) LoadModel(path string, gpuLayers *int) (llamart.Metadata, error) {
	resp, err := b.send(ipc.CmdLoadModel, ipc.LoadModelBody{ModelPath: path, GPULayers: gpuLayers})
	if err != nil {
		return llamart.Metadata{}, err
	}
	if resp.Payload == ipc.PayloadError {
		b.mu.Lock()
		b.metadata, b.loaded, b.modelPath = nil, false, ""
		b.mu.Unlock()
		return llamart.Metadata{}, fmt.Errorf("bridge: load model: %s", errorBodyMessage(resp.Body))
	}

	var mb ipc.ModelLoadedBody
	if err := json.Unmarshal(resp.Body, &mb); err != nil {
		return llamart.Metadata{}, fmt.Errorf("bridge: decode model_loaded: %w", err)
	}
	meta := metadataFromLoaded(mb)

	b.mu.Lock()
	b.metadata, b.loaded, b.modelPath = &meta, true, mb.ModelPath
	b.mu.Unlock()
	return meta, nil
}

func metadataFromLoaded(mb ipc.ModelLoadedBody) llamart.Metadata {
	meta := llamart.Metadata{GeneralName: mb.ModelPath, HasVision: mb.HasVision}
	if mb.ContextLength != nil {
		meta.ContextLength = *mb.ContextLength
	}
	if mb.ChatTemplateType != nil {
		meta.ChatTemplateFamily = llamart.ChatTemplateFamily(*mb.ChatTemplateType)
	}
	if mb.ChatTemplateString != nil {
		meta.ChatTemplateString = *mb.ChatTemplateString
	}
	if mb.GeneralName != nil {
		meta.GeneralName = *mb.GeneralName
	}
	if mb.DefaultSystemPrompt != nil {
		meta.DefaultSystemPrompt = *mb.DefaultSystemPrompt
	}
	return meta
}

// UnloadModel drops the cached metadata on success.
func (b *Bridge) UnloadModel() error {
	resp, err := b.send(ipc.CmdUnloadModel, nil)
	if err != nil {
		return err
	}
	if resp.Payload == ipc.PayloadError {
		return fmt.Errorf("bridge: unload model: %s", errorBodyMessage(resp.Body))
	}
	b.mu.Lock()
	b.metadata, b.loaded, b.modelPath = nil, false, ""
	b.mu.Unlock()
	return nil
}

// ModelStatus returns the worker's own report, not the bridge's cache,
// so a status call always reflects the worker's current truth.
func (b *Bridge) ModelStatus() (Status, error) {
	resp, err := b.send(ipc.CmdGetModelStatus, nil)
	if err != nil {
		return Status{}, err
	}
	var sb ipc.ModelStatusBody
	if err := json.Unmarshal(resp.Body, &sb); err != nil {
		return Status{}, fmt.Errorf("bridge: decode model_status: %w", err)
	}
	st := Status{Loaded: sb.Loaded}
	if sb.ModelPath != nil {
		st.ModelPath = *sb.ModelPath
	}
	if sb.GeneralName != nil {
		st.GeneralName = *sb.GeneralName
	}
	if sb.ContextLength != nil {
		st.ContextLength = *sb.ContextLength
	}
	if sb.GPULayers != nil {
		st.GPULayers = *sb.GPULayers
	}
	return st, nil
}

// Generate starts a generation and returns a token stream and a
// one-shot completion channel. Dropping either receiver does not
// cancel generation; callers must explicitly call CancelGeneration.
func (b *Bridge) Generate(userMessage string, conversationID *string, skipUserLogging bool, images []string) (<-chan TokenEvent, <-chan Completion, error) {
	id := b.nextID.Add(1)
	tokens := make(chan TokenEvent, 64)
	respCh := make(chan ipc.Response, 1)

	b.mu.Lock()
	if b.active != nil {
		b.mu.Unlock()
		return nil, nil, errors.New("bridge: a generation is already in flight")
	}
	b.active = &activeGen{id: id, tokens: tokens}
	b.pending[id] = respCh
	b.mu.Unlock()

	body := ipc.GenerateBody{UserMessage: userMessage, ConversationID: conversationID, SkipUserLogging: skipUserLogging, ImageData: images}
	if err := b.write(id, ipc.CmdGenerate, body); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.active = nil
		b.mu.Unlock()
		close(tokens)
		return nil, nil, err
	}

	completion := make(chan Completion, 1)
	go func() {
		resp := <-respCh
		completion <- decodeCompletion(resp)
		close(completion)
	}()

	return tokens, completion, nil
}

func decodeCompletion(resp ipc.Response) Completion {
	switch resp.Payload {
	case ipc.PayloadGenerationComplete:
		var body ipc.GenerationCompleteBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return Completion{Kind: CompletionError, ErrorMessage: fmt.Sprintf("decode generation_complete: %v", err)}
		}
		c := Completion{Kind: CompletionComplete, ConversationID: body.ConversationID, TokensUsed: body.TokensUsed, MaxTokens: body.MaxTokens}
		if body.PromptTokPerSec != nil {
			c.PromptTokPerSec = *body.PromptTokPerSec
		}
		if body.GenTokPerSec != nil {
			c.GenTokPerSec = *body.GenTokPerSec
		}
		return c
	case ipc.PayloadGenerationCancelled:
		return Completion{Kind: CompletionCancelled}
	case ipc.PayloadError:
		return Completion{Kind: CompletionError, ErrorMessage: errorBodyMessage(resp.Body)}
	default:
		return Completion{Kind: CompletionError, ErrorMessage: fmt.Sprintf("unexpected terminal payload %q", resp.Payload)}
	}
}

// CancelGeneration is fire-and-forget: id 0, no response expected.
func (b *Bridge) CancelGeneration() error {
	return b.write(ipc.CancelGenerationID, ipc.CmdCancelGeneration, nil)
}

// IsAlive is a non-blocking liveness check. With no process manager
// attached (NewWithIO), it reports whether the IPC pipes are still
// considered healthy instead.
func (b *Bridge) IsAlive() bool {
	if b.proc == nil {
		return b.ready.Load()
	}
	return b.proc.IsAlive()
}

// ForceUnload kills the worker, fails every pending request, drops the
// active generation, restarts the process, and reattaches IO. It
// leaves the bridge fully usable on success.
func (b *Bridge) ForceUnload() error {
	if b.proc == nil {
		return errors.New("bridge: force_unload requires a process manager")
	}

	b.mu.Lock()
	b.metadata, b.loaded, b.modelPath = nil, false, ""
	b.mu.Unlock()
	b.ready.Store(false)
	b.failAll("Worker process killed")

	stdin, stdout, err := b.proc.Restart()
	if err != nil {
		return fmt.Errorf("bridge: restart worker: %w", err)
	}
	b.attachIO(stdin, stdout)
	return nil
}
