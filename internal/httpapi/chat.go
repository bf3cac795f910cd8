package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/intelligencedev/localforge/internal/bridge"
)

// chatRequest is the body shared by /api/chat, /api/chat/stream, and
// the first frame of /ws/chat/stream.
type chatRequest struct {
	Message        string   `json:"message"`
	ConversationID *string  `json:"conversation_id,omitempty"`
	ImageData      []string `json:"image_data,omitempty"`
}

func (s *Server) resolveConversationID(id *string) (string, error) {
	given := ""
	if id != nil {
		given = *id
	}
	return s.Store.ResolveOrCreateConversation(given, time.Now())
}

// drainGeneration consumes tokens and the terminal outcome from one
// bridge.Generate call, republishing every step to the conversation's
// relay topic and, for a caller that's actively streaming the response
// itself, invoking onToken/onComplete as each arrives.
func (s *Server) drainGeneration(convID string, tokens <-chan bridge.TokenEvent, completion <-chan bridge.Completion, onToken func(bridge.TokenEvent), onComplete func(bridge.Completion)) {
	var content strings.Builder
	for tok := range tokens {
		content.WriteString(tok.TokenText)
		s.relay.publish(convID, relayEvent{
			Kind: relayToken, Content: content.String(), Delta: tok.TokenText,
			TokensUsed: tok.TokensUsed, MaxTokens: tok.MaxTokens,
		})
		if onToken != nil {
			onToken(tok)
		}
	}

	final := <-completion
	switch final.Kind {
	case bridge.CompletionCancelled:
		s.relay.publish(convID, relayEvent{Kind: relayCancelled, Content: content.String()})
	case bridge.CompletionError:
		s.relay.publish(convID, relayEvent{Kind: relayError, Message: final.ErrorMessage})
	default:
		s.relay.publish(convID, relayEvent{Kind: relayDone, Content: content.String()})
	}
	if onComplete != nil {
		onComplete(final)
	}
}

// postChat handles POST /api/chat: it starts the generation and returns
// immediately, leaving the actual content to arrive over
// /ws/conversation/watch/<id> or /ws/chat/stream.
func (s *Server) postChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return failErr(c, errBadRequest, err)
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return fail(c, errBadRequest, "message is required")
	}

	convID, err := s.resolveConversationID(req.ConversationID)
	if err != nil {
		return failErr(c, errInternal, err)
	}

	tokens, completion, err := s.Bridge.Generate(req.Message, &convID, false, req.ImageData)
	if err != nil {
		return failErr(c, errUnavailable, err)
	}
	go s.drainGeneration(convID, tokens, completion, nil, nil)

	return c.JSON(http.StatusOK, map[string]any{
		"message":         req.Message,
		"conversation_id": convID,
	})
}

// postChatStream handles POST /api/chat/stream: an SSE relay of the
// same generation, ending with the literal `data: [DONE]` line.
func (s *Server) postChatStream(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return failErr(c, errBadRequest, err)
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return fail(c, errBadRequest, "message is required")
	}

	convID, err := s.resolveConversationID(req.ConversationID)
	if err != nil {
		return failErr(c, errInternal, err)
	}

	tokens, completion, err := s.Bridge.Generate(req.Message, &convID, false, req.ImageData)
	if err != nil {
		return failErr(c, errUnavailable, err)
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

	s.drainGeneration(convID, tokens, completion,
		func(tok bridge.TokenEvent) {
			writeFrame(map[string]any{"token": tok.TokenText, "tokens_used": tok.TokensUsed, "max_tokens": tok.MaxTokens})
		},
		func(bridge.Completion) {
			fmt.Fprint(resp, "data: [DONE]\n\n")
			flusher.Flush()
		},
	)
	return nil
}

// postChatCancel handles POST /api/chat/cancel.
func (s *Server) postChatCancel(c echo.Context) error {
	if err := s.Bridge.CancelGeneration(); err != nil {
		return failErr(c, errUnavailable, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// wsChatStream handles GET /ws/chat/stream: the first text frame
// received is bound as a chatRequest, then token/done frames are
// pushed for the rest of the connection's life.
func (s *Server) wsChatStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return failErr(c, errInternal, err)
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "invalid request"})
		return nil
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "message is required"})
		return nil
	}

	convID, err := s.resolveConversationID(req.ConversationID)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return nil
	}

	tokens, completion, err := s.Bridge.Generate(req.Message, &convID, false, req.ImageData)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return nil
	}

	s.drainGeneration(convID, tokens, completion,
		func(tok bridge.TokenEvent) {
			_ = conn.SetWriteDeadline(s.wsWriteDeadline())
			_ = conn.WriteJSON(map[string]any{"type": "token", "token": tok.TokenText, "tokens_used": tok.TokensUsed, "max_tokens": tok.MaxTokens})
		},
		func(bridge.Completion) {
			_ = conn.SetWriteDeadline(s.wsWriteDeadline())
			_ = conn.WriteJSON(map[string]any{"type": "done", "conversation_id": convID})
		},
	)
	return nil
}

// wsConversationWatch handles GET /ws/conversation/watch/<id>: it
// sends one `update` frame with whatever content currently exists (live
// streaming buffer if a turn is in flight, else the latest assistant
// message), then forwards every subsequent relay event for id as
// another `update` frame, or as an `error` frame for a relayed error.
func (s *Server) wsConversationWatch(c echo.Context) error {
	convID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return failErr(c, errInternal, err)
	}
	defer conn.Close()

	events, cancel := s.relay.subscribe(convID)
	defer cancel()

	_ = conn.SetWriteDeadline(s.wsWriteDeadline())
	_ = conn.WriteJSON(map[string]any{"type": "update", "content": s.currentContent(convID)})

	for ev := range events {
		frame := map[string]any{"type": "update", "content": ev.Content}
		if ev.Kind == relayError {
			frame = map[string]any{"type": "error", "message": ev.Message}
		}
		_ = conn.SetWriteDeadline(s.wsWriteDeadline())
		if err := conn.WriteJSON(frame); err != nil {
			return nil
		}
	}
	return nil
}

// currentContent returns the best known current content for a
// conversation: the live streaming buffer if a turn is in progress,
// otherwise the last message's content.
func (s *Server) currentContent(conversationID string) string {
	if buf, err := s.Store.GetStreamingBuffer(conversationID); err == nil {
		return buf.Content
	}
	msgs, err := s.Store.GetMessages(conversationID)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
