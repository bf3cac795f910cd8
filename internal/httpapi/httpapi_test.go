package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/intelligencedev/localforge/internal/bridge"
	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/download"
	"github.com/intelligencedev/localforge/internal/ipc"
	"github.com/intelligencedev/localforge/internal/store"
)

// fakeWorker drives the other end of a bridge the way the worker binary
// would, the same double internal/bridge's own tests use.
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
	return &fakeWorker{in: scanner, out: serverOut}, clientOut, clientIn
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

func newTestServer(t *testing.T) (*Server, *fakeWorker) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	worker, clientOut, clientIn := newFakeWorker(t)
	br := bridge.NewWithIO(clientOut, clientIn)

	cfg := config.DefaultServer()
	cfg.WSWriteTimeout = time.Second

	s := NewServer(st, br, download.New(st), cfg)
	return s, worker
}

// replyGenerate answers one generate request with the given token pieces
// followed by a generation_complete terminal frame.
func replyGenerate(t *testing.T, worker *fakeWorker, conversationID string, pieces []string) {
	t.Helper()
	req := worker.recv(t)
	if req.Command != ipc.CmdGenerate {
		t.Fatalf("expected generate, got %s", req.Command)
	}
	used := 0
	for _, p := range pieces {
		used++
		worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadToken, Body: mustMarshal(t, ipc.TokenBody{TokenText: p, TokensUsed: used, MaxTokens: 100})})
	}
	worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadGenerationComplete, Body: mustMarshal(t, ipc.GenerationCompleteBody{
		ConversationID: conversationID, TokensUsed: used, MaxTokens: 100,
	})})
}

func TestPostChatReturnsImmediatelyWithConversationID(t *testing.T) {
	s, worker := newTestServer(t)
	e := echo.New()
	s.Routes(e)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := worker.recv(t)
		if req.Command != ipc.CmdGenerate {
			t.Errorf("expected generate, got %s", req.Command)
			return
		}
		worker.send(t, ipc.Response{ID: req.ID, Payload: ipc.PayloadGenerationComplete, Body: mustMarshal(t, ipc.GenerationCompleteBody{ConversationID: "ignored", TokensUsed: 0, MaxTokens: 100})})
	}()

	body := strings.NewReader(`{"message": "hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set(echo.HeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	convID, _ := got["conversation_id"].(string)
	if convID == "" {
		t.Fatalf("expected a minted conversation_id, got %+v", got)
	}

	<-done
}

func TestPostChatRequiresNonEmptyMessage(t *testing.T) {
	s, _ := newTestServer(t)
	e := echo.New()
	s.Routes(e)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message": "   "}`))
	req.Header.Set(echo.HeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", rec.Code)
	}
}

func TestPostChatCancelInvokesBridge(t *testing.T) {
	s, worker := newTestServer(t)
	e := echo.New()
	s.Routes(e)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := worker.recv(t)
		if req.Command != ipc.CmdCancelGeneration {
			t.Errorf("expected cancel_generation, got %s", req.Command)
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/cancel", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	<-done
}

func TestWsConversationWatchReceivesRelayedTokens(t *testing.T) {
	s, worker := newTestServer(t)
	e := echo.New()
	s.Routes(e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	convID := "chat_watch_test"

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversation/watch/" + convID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial watch socket: %v", err)
	}
	defer conn.Close()

	// First frame is the current (empty) content snapshot.
	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first["type"] != "update" {
		t.Fatalf("expected initial update frame, got %+v", first)
	}

	// Drive a generation for this conversation id from another request,
	// the one path that actually publishes into the relay.
	go replyGenerate(t, worker, convID, []string{"hi", " there"})

	reqBody := `{"message": "hello", "conversation_id": "` + convID + `"}`
	httpReq := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(reqBody))
	httpReq.Header.Set(echo.HeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("postChat: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawDone bool
	for i := 0; i < 10; i++ {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read relayed frame: %v", err)
		}
		if content, _ := frame["content"].(string); content == "hi there" {
			sawDone = true
			break
		}
	}
	if !sawDone {
		t.Fatalf("never observed the fully accumulated content over the watch socket")
	}
}

func TestHubFileURLUsesHuggingFaceConvention(t *testing.T) {
	got := hubFileURL("acme/model", "model.gguf")
	want := "https://huggingface.co/acme/model/resolve/main/model.gguf"
	if got != want {
		t.Fatalf("hubFileURL(%q, %q) = %q, want %q", "acme/model", "model.gguf", got, want)
	}
}

func TestPostHubDownloadRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t)
	e := echo.New()
	s.Routes(e)

	reqBody, _ := json.Marshal(downloadRequest{ModelID: "", Filename: "model.gguf", Destination: t.TempDir()})
	req := httptest.NewRequest(http.MethodPost, "/api/hub/download", bytes.NewReader(reqBody))
	req.Header.Set(echo.HeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model_id, got %d: %s", rec.Code, rec.Body.String())
	}
}
