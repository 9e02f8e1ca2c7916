package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/nebula/pkg/apierror"
)

// modelField is the subset of an OpenAI-shaped request body the gateway
// needs to read to pick a route; everything else is forwarded verbatim.
type modelField struct {
	Model string `json:"model"`
}

// handleChatCompletions forwards /v1/chat/completions to the selected
// replica for the request's model, byte-for-byte, including SSE
// streaming when the body sets "stream": true.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyToModel(w, r)
}

// handleEmbeddings forwards /v1/embeddings the same way; embeddings
// requests never stream but otherwise go through the identical path.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.proxyToModel(w, r)
}

// proxyToModel reads the model name out of the request body (without
// discarding it — Proxy re-reads the body itself) and hands the rest to
// the router's direct passthrough.
func (s *Server) proxyToModel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestBodyBytes+1))
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidRequest, "failed to read request body", err))
		return
	}
	r.Body.Close()

	var mf modelField
	if err := json.Unmarshal(body, &mf); err != nil || mf.Model == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "request body must set a non-empty \"model\" field"))
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	if err := s.router.Proxy(w, r, mf.Model); err != nil {
		writeError(w, err)
		return
	}
}
