package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/intelligencedev/localforge/internal/store"
)

func rangeServer(body []byte, etag string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		rangeHeader := r.Header.Get("Range")
		ifRange := r.Header.Get("If-Range")
		if rangeHeader == "" || (ifRange != "" && ifRange != etag) {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		start, ok := parseRangeStart(rangeHeader)
		if !ok || start >= len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:])
	}))
}

func parseRangeStart(header string) (int, bool) {
	const prefix = "bytes="
	rest, found := strings.CutPrefix(header, prefix)
	if !found {
		return 0, false
	}
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:dash])
	if err != nil {
		return 0, false
	}
	return n, true
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFreshDownloadWritesFullContent(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog, repeated many times to fill bytes")
	srv := rangeServer(body, "etag-1")
	defer srv.Close()

	dir := t.TempDir()
	eng := New(openTestStore(t))

	var events []Progress
	req := Request{ModelID: "m1", Filename: "model.gguf", DestinationDir: dir, URL: srv.URL}
	if err := eng.Run(context.Background(), req, func(p Progress) { events = append(events, p) }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "model.gguf"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("content mismatch: got %q want %q", got, body)
	}
	if len(events) == 0 || events[len(events)-1].Type != "done" {
		t.Fatalf("expected final event to be done, got %+v", events)
	}
}

func TestResumeFromPartFileProducesIdenticalContent(t *testing.T) {
	body := make([]byte, 10*1024*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(body, "etag-stable")
	defer srv.Close()

	dir := t.TempDir()
	partial := body[:6*1024*1024]
	if err := os.WriteFile(filepath.Join(dir, "model.gguf.part"), partial, 0o644); err != nil {
		t.Fatalf("seed part file: %v", err)
	}

	eng := New(openTestStore(t))
	req := Request{ModelID: "m1", Filename: "model.gguf", DestinationDir: dir, URL: srv.URL}
	if err := eng.Run(context.Background(), req, func(Progress) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "model.gguf"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("expected resumed download to match full length %d, got %d", len(body), len(got))
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}

func TestETagChangeRestartsFromScratch(t *testing.T) {
	body := []byte("fresh content after the model was republished upstream")
	srv := rangeServer(body, "etag-new")
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.gguf.part"), []byte("stale partial bytes"), 0o644); err != nil {
		t.Fatalf("seed stale part file: %v", err)
	}

	st := openTestStore(t)
	if err := st.UpsertDownload(store.Download{
		ModelID: "m1", Filename: "model.gguf", Destination: dir,
		Status: store.DownloadPending, ETag: "etag-old",
	}, time.Now()); err != nil {
		t.Fatalf("seed prior record: %v", err)
	}

	eng := New(st)
	req := Request{ModelID: "m1", Filename: "model.gguf", DestinationDir: dir, URL: srv.URL}
	if err := eng.Run(context.Background(), req, func(Progress) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "model.gguf"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("expected fresh content after etag change, got %q", got)
	}
}

func TestDoneEmittedImmediatelyWhenFinalFileAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.gguf"), []byte("already here"), 0o644); err != nil {
		t.Fatalf("seed final file: %v", err)
	}

	eng := New(openTestStore(t))
	var events []Progress
	req := Request{ModelID: "m1", Filename: "model.gguf", DestinationDir: dir, URL: "http://unused.invalid"}
	if err := eng.Run(context.Background(), req, func(p Progress) { events = append(events, p) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 1 || events[0].Type != "done" {
		t.Fatalf("expected exactly one done event, got %+v", events)
	}
}

func TestVerifyDropsRecordsWithMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t)
	eng := New(st)

	if err := os.WriteFile(filepath.Join(dir, "present.gguf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	now := time.Now()
	if err := st.UpsertDownload(store.Download{
		ModelID: "a", Filename: "present.gguf", Destination: dir, Status: store.DownloadCompleted,
	}, now); err != nil {
		t.Fatalf("UpsertDownload: %v", err)
	}
	if err := st.UpsertDownload(store.Download{
		ModelID: "b", Filename: "missing.gguf", Destination: dir, Status: store.DownloadCompleted,
	}, now); err != nil {
		t.Fatalf("UpsertDownload: %v", err)
	}

	ok, err := eng.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(ok) != 1 || ok[0].Filename != "present.gguf" {
		t.Fatalf("expected only present.gguf to survive verification, got %+v", ok)
	}
}

func TestNewWithConcurrencyDefaultsWhenNonPositive(t *testing.T) {
	eng := NewWithConcurrency(openTestStore(t), 0, 0)
	if eng.VerifyConcurrency != defaultVerifyConcurrency {
		t.Fatalf("expected default verify concurrency, got %d", eng.VerifyConcurrency)
	}
	if eng.ChunkSize != chunkSize {
		t.Fatalf("expected default chunk size, got %d", eng.ChunkSize)
	}

	eng2 := NewWithConcurrency(openTestStore(t), 9, 4096)
	if eng2.VerifyConcurrency != 9 {
		t.Fatalf("expected explicit verify concurrency to stick, got %d", eng2.VerifyConcurrency)
	}
	if eng2.ChunkSize != 4096 {
		t.Fatalf("expected explicit chunk size to stick, got %d", eng2.ChunkSize)
	}
}

func TestVerifyHandlesManyRecordsConcurrently(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t)
	eng := NewWithConcurrency(st, 2, 0)

	now := time.Now()
	for i := 0; i < 10; i++ {
		name := strconv.Itoa(i) + ".gguf"
		if i%2 == 0 {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
				t.Fatalf("seed file: %v", err)
			}
		}
		if err := st.UpsertDownload(store.Download{
			ModelID: "m", Filename: name, Destination: dir, Status: store.DownloadCompleted,
		}, now); err != nil {
			t.Fatalf("UpsertDownload: %v", err)
		}
	}

	ok, err := eng.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(ok) != 5 {
		t.Fatalf("expected 5 surviving records, got %d: %+v", len(ok), ok)
	}
}
