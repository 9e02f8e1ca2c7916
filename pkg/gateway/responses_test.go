package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInputString(t *testing.T) {
	text, err := normalizeInput(json.RawMessage(`"hello there"`))
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestNormalizeInputMessages(t *testing.T) {
	text, err := normalizeInput(json.RawMessage(`[{"role":"user","content":"hi"},{"role":"user","content":"again"}]`))
	require.NoError(t, err)
	assert.Equal(t, "hi\nagain", text)
}

func TestNormalizeInputInvalid(t *testing.T) {
	_, err := normalizeInput(json.RawMessage(`42`))
	assert.Error(t, err)
}

func TestReadNonStreamingText(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"the answer"}}]}`
	text, err := readNonStreamingText(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "the answer", text)
}

func TestReadNonStreamingTextNoChoices(t *testing.T) {
	text, err := readNonStreamingText(strings.NewReader(`{"choices":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestStreamResponsesReframesAndTerminates(t *testing.T) {
	upstreamBody := "data: " + `{"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n" +
		"data: " + `{"choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	upstreamResp := &http.Response{
		Body: struct {
			*strings.Reader
			closer
		}{strings.NewReader(upstreamBody), closer{}},
	}

	w := httptest.NewRecorder()
	s := &Server{}
	s.streamResponses(w, upstreamResp, "resp_1", "m")

	raw := w.Body.String()
	assert.NotContains(t, raw, "event:")
	assert.NotContains(t, raw, "[DONE]")

	var events []map[string]interface{}
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "response.output_text.delta", events[0]["type"])
	assert.Equal(t, "Hel", events[0]["delta"])
	assert.Equal(t, "response.output_text.delta", events[1]["type"])
	assert.Equal(t, "lo", events[1]["delta"])
	assert.Equal(t, "response.completed", events[2]["type"])
	assert.Equal(t, "Hello", events[2]["output_text"])
}

// closer adapts a strings.Reader (no Close method) into an io.ReadCloser
// for building a fake *http.Response body in tests.
type closer struct{}

func (closer) Close() error { return nil }
