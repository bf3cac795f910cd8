package bridge

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/intelligencedev/localforge/internal/ipc"
)

// fakeWorker drives the other end of a pipe pair the way the worker
// binary would: it reads one JSON request per line and lets the test
// script a reply (or a sequence of replies, for token streaming) via
// handle.
type fakeWorker struct {
	in  *bufio.Scanner
	out io.WriteCloser
}

func newFakeWorker(t *testing.T) (*fakeWorker, io.WriteCloser, io.ReadCloser) {
	t.Helper()
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	scanner := bufio.NewScanner(serverIn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fw := &fakeWorker{in: scanner, out: serverOut}
	return fw, clientOut, clientIn
}

func (w *fakeWorker) recv(t *testing.T) ipc.Request {
	t.Helper()
	if !w.in.Scan() {
		t.Fatalf("fakeWorker: no request available: %v", w.in.Err())
	}
	var req ipc.Request
	if err := json.Unmarshal(w.in.Bytes(), &req); err != nil {
		t.Fatalf("fakeWorker: decode request: %v", err)
	}
	return req
}

func (w *fakeWorker) send(t *testing.T, resp ipc.Response) {
	t.Helper()
	line, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("fakeWorker: encode response: %v", err)
	}
	line = append(line, '\n')
	if _, err := w.out.Write(line); err != nil {
		t.Fatalf("fakeWorker: write response: %v", err)
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestLoadModelCachesMetadata(t *testing.T) {
	worker, clientOut, clientIn := newFakeWorker(t)
	b := NewWithIO(clientOut, clientIn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := worker.recv(t)
		if req.Command != ipc.CmdLoadModel {
			t.Errorf("expected load_model, got %s", req.Command)
		}
		ctxLen := 8192
		name := "test-model"
		worker.send(t, ipc.Response{
			ID:      req.ID,
			Payload: ipc.PayloadModelLoaded,
			Body: mustMarshal(t, ipc.ModelLoadedBody{
				ModelPath:     "/models/test.gguf",
				ContextLength: &ctxLen,
				GeneralName:   &name,
			}),
		})
	}()

	meta, err := b.LoadModel("/models/test.gguf", nil)
	<-done
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if meta.ContextLength != 8192 || meta.GeneralName != "test-model" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestGenerateStreamsTokensThenCompletes(t *testing.T) {
	worker, clientOut, clientIn := newFakeWorker(t)
	b := NewWithIO(clientOut, clientIn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := worker.recv(t)
		if req.Command != ipc.CmdGenerate {
			t.Errorf("expected generate, got %s", req.Command)
		}
		worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadToken, Body: mustMarshal(t, ipc.TokenBody{TokenText: "hi", TokensUsed: 1, MaxTokens: 100})})
		worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadToken, Body: mustMarshal(t, ipc.TokenBody{TokenText: " there", TokensUsed: 2, MaxTokens: 100})})
		worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadGenerationComplete, Body: mustMarshal(t, ipc.GenerationCompleteBody{ConversationID: "c1", TokensUsed: 2, MaxTokens: 100})})
	}()

	tokens, completion, err := b.Generate("hello", nil, false, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var got []string
	for tok := range tokens {
		got = append(got, tok.TokenText)
	}
	if len(got) != 2 || got[0] != "hi" || got[1] != " there" {
		t.Fatalf("unexpected token sequence: %v", got)
	}

	c := <-completion
	<-done
	if c.Kind != CompletionComplete || c.ConversationID != "c1" || c.TokensUsed != 2 {
		t.Fatalf("unexpected completion: %+v", c)
	}
}

func TestGenerateRejectsConcurrentGeneration(t *testing.T) {
	worker, clientOut, clientIn := newFakeWorker(t)
	b := NewWithIO(clientOut, clientIn)

	go func() {
		req := worker.recv(t)
		_ = req
		// Never resolve: the first generation stays in flight so the
		// second call must be rejected up front.
	}()

	_, _, err := b.Generate("first", nil, false, nil)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if _, _, err := b.Generate("second", nil, false, nil); err == nil {
		t.Fatalf("expected rejection of a second concurrent generation")
	}
}

func TestWriteFailureSurfacesAsStdinClosed(t *testing.T) {
	_, clientOut, clientIn := newFakeWorker(t)
	b := NewWithIO(clientOut, clientIn)

	// Close the pipe the writer goroutine is draining into so its next
	// write fails.
	if err := clientIn.Close(); err != nil {
		t.Fatalf("close clientIn: %v", err)
	}
	if err := clientOut.Close(); err != nil {
		t.Fatalf("close clientOut: %v", err)
	}

	resp, err := b.send(ipc.CmdGetModelStatus, nil)
	if err != nil {
		// Enqueuing itself can fail once ready flips false; either
		// outcome demonstrates the failure surfaces to the caller.
	} else if resp.Payload != ipc.PayloadError {
		t.Fatalf("expected a synthetic error response once stdin is closed, got %+v", resp)
	}

	deadline := time.Now().Add(time.Second)
	for b.IsAlive() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.IsAlive() {
		t.Fatalf("expected bridge to report unhealthy after pipe closure")
	}
}
