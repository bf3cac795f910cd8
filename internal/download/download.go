// Package download fetches hub model files over HTTP with resume
// support: it stages bytes in a `.part` file, resumes partial fetches
// with a Range header, restarts when an ETag no longer matches, and
// checkpoints progress into the store so a crash or disconnect can pick
// up where it left off. The HTTP client and error-wrapping idiom follows
// manifold/internal/tools/web/fetch.go's context-scoped requests and
// %w-wrapped transport errors; the resumable byte-range logic itself has
// no direct precedent in the pack and is built against the stdlib
// net/http client.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intelligencedev/localforge/internal/store"
)

// defaultVerifyConcurrency bounds Verify's concurrent stat calls when
// the caller doesn't specify one via NewWithConcurrency.
const defaultVerifyConcurrency = 4

const (
	chunkSize        = 64 * 1024
	checkpointEvery  = 5 * 1024 * 1024
	progressInterval = 200 * time.Millisecond
)

// Request identifies one hub model file to fetch.
type Request struct {
	ModelID        string
	Filename       string
	DestinationDir string
	URL            string // canonical source URL for Filename
}

// Progress reports download advancement; callers render these as SSE
// events for the download-progress stream.
type Progress struct {
	Type      string // "progress", "done", "error"
	Bytes     int64
	Total     int64
	SpeedKBps float64
	Message   string
}

// Engine runs the resumable-download algorithm against a Store for
// checkpointing.
type Engine struct {
	Client            *http.Client
	Store             *store.Store
	VerifyConcurrency int
	ChunkSize         int
}

// New constructs an Engine with a sane default client timeout-free (the
// caller's context governs cancellation, matching fetch.go's pattern of
// context-scoped deadlines rather than a client-wide timeout), the
// default Verify concurrency, and the default read-chunk size.
func New(st *store.Store) *Engine {
	return &Engine{Client: &http.Client{}, Store: st, VerifyConcurrency: defaultVerifyConcurrency, ChunkSize: chunkSize}
}

// NewWithConcurrency is New with an explicit Verify concurrency bound and
// read-chunk size, wired from config.Server.DownloadVerifyConcurrency and
// config.Server.DownloadChunkSize.
func NewWithConcurrency(st *store.Store, verifyConcurrency, chunkSizeBytes int) *Engine {
	e := New(st)
	if verifyConcurrency > 0 {
		e.VerifyConcurrency = verifyConcurrency
	}
	if chunkSizeBytes > 0 {
		e.ChunkSize = chunkSizeBytes
	}
	return e
}

// destPath sanitizes filename to its basename and joins it under dir,
// so a malicious or path-bearing filename can't escape the destination
// directory.
func destPath(dir, filename string) string {
	return filepath.Join(dir, filepath.Base(filename))
}

// Run executes the download, calling emit for every progress/done/error
// event. It returns nil after emitting a done event, and also when ctx
// is cancelled mid-transfer, in which case the progress is checkpointed
// and no final event is emitted; every failure emits an error event and
// returns a non-nil error. A nil error alone therefore does not mean the
// file is complete; only a done event does.
func (e *Engine) Run(ctx context.Context, req Request, emit func(Progress)) error {
	finalPath := destPath(req.DestinationDir, req.Filename)
	partPath := finalPath + ".part"

	if info, err := os.Stat(finalPath); err == nil {
		emit(Progress{Type: "done", Bytes: info.Size(), Total: info.Size()})
		return nil
	}

	prior, err := e.Store.GetDownload(req.ModelID, req.Filename, req.DestinationDir)
	hasPrior := err == nil
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("download: lookup prior record: %w", err)
	}

	var offset int64
	if info, statErr := os.Stat(partPath); statErr == nil {
		offset = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		emit(Progress{Type: "error", Message: err.Error()})
		return fmt.Errorf("download: build request: %w", err)
	}
	requestedRange := offset > 0
	if requestedRange {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if hasPrior && prior.ETag != "" {
			// If-Range makes the server itself fall back to a full 200
			// response (rather than an honored 206) when its current ETag
			// no longer matches what we resumed from, so the body we read
			// below is always consistent with the offset we're about to
			// use — never a stale partial range against new content.
			httpReq.Header.Set("If-Range", prior.ETag)
		}
	}

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		emit(Progress{Type: "error", Message: err.Error()})
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if requestedRange && resp.StatusCode != http.StatusPartialContent {
		// Server ignored or invalidated the range; restart from scratch.
		resp.Body.Close()
		offset = 0
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("download: reset part file: %w", err)
		}
		return e.Run(ctx, req, emit)
	}

	etag := resp.Header.Get("ETag")
	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		emit(Progress{Type: "error", Message: err.Error()})
		return fmt.Errorf("download: open part file: %w", err)
	}
	defer out.Close()

	now := time.Now()
	if err := e.Store.UpsertDownload(store.Download{
		ModelID: req.ModelID, Filename: req.Filename, Destination: req.DestinationDir,
		TotalBytes: total, BytesDownloaded: offset, Status: store.DownloadPending, ETag: etag,
	}, now); err != nil {
		return fmt.Errorf("download: checkpoint initial: %w", err)
	}

	written := offset
	sinceCheckpoint := int64(0)
	lastProgress := time.Now()
	sessionStart := time.Now()
	sessionBytes := int64(0)

	bufSize := e.ChunkSize
	if bufSize <= 0 {
		bufSize = chunkSize
	}
	buf := make([]byte, bufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				e.checkpoint(req, written, total, etag)
				emit(Progress{Type: "error", Message: werr.Error()})
				return fmt.Errorf("download: write chunk: %w", werr)
			}
			written += int64(n)
			sessionBytes += int64(n)
			sinceCheckpoint += int64(n)

			if sinceCheckpoint >= checkpointEvery {
				e.checkpoint(req, written, total, etag)
				sinceCheckpoint = 0
			}
			if time.Since(lastProgress) >= progressInterval {
				elapsed := time.Since(sessionStart).Seconds()
				speed := 0.0
				if elapsed > 0 {
					speed = float64(sessionBytes) / 1024 / elapsed
				}
				emit(Progress{Type: "progress", Bytes: written, Total: total, SpeedKBps: speed})
				lastProgress = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.checkpoint(req, written, total, etag)
			emit(Progress{Type: "error", Message: readErr.Error()})
			return fmt.Errorf("download: read chunk: %w", readErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.checkpoint(req, written, total, etag)
			return nil
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("download: close part file: %w", err)
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		emit(Progress{Type: "error", Message: err.Error()})
		return fmt.Errorf("download: finalize: %w", err)
	}

	if err := e.Store.UpsertDownload(store.Download{
		ModelID: req.ModelID, Filename: req.Filename, Destination: req.DestinationDir,
		TotalBytes: total, BytesDownloaded: written, Status: store.DownloadCompleted, ETag: etag,
	}, time.Now()); err != nil {
		return fmt.Errorf("download: checkpoint final: %w", err)
	}

	emit(Progress{Type: "done", Bytes: written, Total: total})
	return nil
}

func (e *Engine) checkpoint(req Request, written, total int64, etag string) {
	_ = e.Store.UpsertDownload(store.Download{
		ModelID: req.ModelID, Filename: req.Filename, Destination: req.DestinationDir,
		TotalBytes: total, BytesDownloaded: written, Status: store.DownloadPending, ETag: etag,
	}, time.Now())
}

// Verify lists all known download records and drops those whose
// expected on-disk artifact (the final file if completed, the `.part`
// file if still pending) is missing. The stat calls run concurrently,
// bounded by e.VerifyConcurrency, since a large model cache can hold
// many records and each check is pure filesystem latency.
func (e *Engine) Verify() ([]store.Download, error) {
	all, err := e.Store.ListDownloads()
	if err != nil {
		return nil, fmt.Errorf("download: verify: %w", err)
	}

	limit := e.VerifyConcurrency
	if limit <= 0 {
		limit = defaultVerifyConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	var ok []store.Download
	for _, d := range all {
		d := d
		g.Go(func() error {
			path := destPath(d.Destination, d.Filename)
			if d.Status == store.DownloadPending {
				path += ".part"
			}
			if _, statErr := os.Stat(path); statErr == nil {
				mu.Lock()
				ok = append(ok, d)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // stat errors are treated as "missing", never failures

	return ok, nil
}
