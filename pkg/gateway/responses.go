package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/nebula/pkg/apierror"
)

// responsesRequest is the wire shape of POST /v1/responses: Nebula's own
// abstraction over chat completions, not a raw passthrough.
type responsesRequest struct {
	Model  string          `json:"model"`
	Input  json.RawMessage `json:"input"`
	Stream bool            `json:"stream"`
}

// responsesResult is the non-streaming response body.
type responsesResult struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	OutputText string `json:"output_text"`
	Status     string `json:"status"`
}

// responsesEvent is one SSE event in Nebula's custom framing: a bare
// "data: <json>\n\n" line, discriminated by Type, with no "event:"
// header and no "[DONE]" terminator.
type responsesEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta,omitempty"`
	OutputText string `json:"output_text,omitempty"`
}

// upstreamChatRequest is the OpenAI-chat-completions-shaped request sent
// to the selected replica; input is accepted as either a plain string or
// an already-built messages array, normalized here.
type upstreamChatRequest struct {
	Model    string            `json:"model"`
	Messages []upstreamMessage `json:"messages"`
	Stream   bool              `json:"stream"`
}

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type upstreamChatResponse struct {
	Choices []struct {
		Delta   *upstreamMessage `json:"delta,omitempty"`
		Message *upstreamMessage `json:"message,omitempty"`
	} `json:"choices"`
}

// handleResponses translates {model, input, stream?} into an upstream
// chat-completions call and reframes the result into Nebula's own
// response shape, streaming or not.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "model is required"))
		return
	}

	content, err := normalizeInput(req.Input)
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "input must be a string or an array of chat messages"))
		return
	}

	upstream := upstreamChatRequest{
		Model:    req.Model,
		Messages: []upstreamMessage{{Role: "user", Content: content}},
		Stream:   req.Stream,
	}
	body, err := json.Marshal(upstream)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInternal, "failed to build upstream request", err))
		return
	}

	candidate, err := s.router.SelectReplica(req.Model, r)
	if err != nil {
		writeError(w, err)
		return
	}
	release := s.router.Acquire(candidate.ReplicaID)
	defer release()

	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, candidate.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		s.router.ReportResult(candidate.ReplicaID, err)
		writeError(w, apierror.Wrap(apierror.KindInternal, "failed to build upstream request", err))
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(outReq)
	if err != nil {
		s.router.ReportResult(candidate.ReplicaID, err)
		writeError(w, apierror.Wrap(apierror.KindUpstreamError, "upstream request failed", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		s.router.ReportResult(candidate.ReplicaID, fmt.Errorf("upstream status %d", resp.StatusCode))
		writeError(w, apierror.New(apierror.KindUpstreamError, "upstream returned a server error"))
		return
	}

	responseID := "resp_" + uuid.New().String()

	if req.Stream {
		s.streamResponses(w, resp, responseID, req.Model)
		s.router.ReportResult(candidate.ReplicaID, nil)
		return
	}

	text, err := readNonStreamingText(resp.Body)
	if err != nil {
		s.router.ReportResult(candidate.ReplicaID, err)
		writeError(w, apierror.Wrap(apierror.KindUpstreamError, "failed to read upstream response", err))
		return
	}
	s.router.ReportResult(candidate.ReplicaID, nil)

	writeJSON(w, http.StatusOK, responsesResult{
		ID:         responseID,
		Model:      req.Model,
		OutputText: text,
		Status:     "completed",
	})
}

// normalizeInput accepts either a JSON string or an array of
// {role, content} messages and collapses it to a single user-turn
// string, since the upstream chat-completions call needs one.
func normalizeInput(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var messages []upstreamMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String(), nil
}

// readNonStreamingText parses a full (non-streamed) chat-completions
// response body and extracts the first choice's message content.
func readNonStreamingText(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	var resp upstreamChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// streamResponses reads the upstream's OpenAI-style SSE stream
// ("data: {...}\n\n", terminal "data: [DONE]\n\n") and reframes each
// chunk into Nebula's own event shape: data:-only, no event: lines, no
// [DONE] sentinel, each event JSON with a type discriminator, ending
// with a response.completed event.
func (s *Server) streamResponses(w http.ResponseWriter, resp *http.Response, responseID, model string) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk upstreamChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)

		writeResponsesEvent(w, responsesEvent{
			Type:       "response.output_text.delta",
			ResponseID: responseID,
			Delta:      delta,
		})
		if ok {
			flusher.Flush()
		}
	}

	writeResponsesEvent(w, responsesEvent{
		Type:       "response.completed",
		ResponseID: responseID,
		OutputText: full.String(),
	})
	if ok {
		flusher.Flush()
	}
}

func writeResponsesEvent(w http.ResponseWriter, ev responsesEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
