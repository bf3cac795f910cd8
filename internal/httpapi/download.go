package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/intelligencedev/localforge/internal/download"
)

// downloadRequest is the body of POST /api/hub/download.
type downloadRequest struct {
	ModelID     string `json:"model_id"`
	Filename    string `json:"filename"`
	Destination string `json:"destination"`
}

// hubFileURL builds the canonical source URL for a GGUF file hosted on
// Hugging Face Hub, the de facto model hub for GGUF artifacts.
func hubFileURL(modelID, filename string) string {
	return fmt.Sprintf("https://huggingface.co/%s/resolve/main/%s", modelID, filename)
}

// postHubDownload handles POST /api/hub/download: an SSE relay of
// internal/download.Engine's progress events.
func (s *Server) postHubDownload(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return failErr(c, errBadRequest, err)
	}
	if req.ModelID == "" || req.Filename == "" || req.Destination == "" {
		return fail(c, errBadRequest, "model_id, filename, and destination are required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return fail(c, errInternal, "streaming unsupported")
	}

	writeFrame := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(resp, "data: %s\n\n", data)
		flusher.Flush()
	}

	dlReq := download.Request{
		ModelID:        req.ModelID,
		Filename:       req.Filename,
		DestinationDir: req.Destination,
		URL:            hubFileURL(req.ModelID, req.Filename),
	}

	err := s.Download.Run(c.Request().Context(), dlReq, func(p download.Progress) {
		switch p.Type {
		case "progress":
			writeFrame(map[string]any{"type": "progress", "bytes": p.Bytes, "total": p.Total, "speed_kbps": p.SpeedKBps})
		case "done":
			writeFrame(map[string]any{"type": "done", "bytes": p.Bytes, "total": p.Total})
		case "error":
			writeFrame(map[string]any{"type": "error", "message": p.Message})
		}
	})
	if err != nil {
		writeFrame(map[string]any{"type": "error", "message": err.Error()})
	}
	return nil
}
