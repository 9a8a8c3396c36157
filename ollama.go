package eventstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// maxOllamaResponse bounds how much of a response body is read.
const maxOllamaResponse = 64 << 20

// OllamaEmbedder embeds event text through a local Ollama server.
type OllamaEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEmbedder returns an embedder posting to baseURL's /api/embed. A
// zero timeout leaves requests bounded only by their context.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) *OllamaEmbedder {
	return &OllamaEmbedder{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/embed",
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Model implements Embedder.
func (e *OllamaEmbedder) Model() string { return "ollama:" + e.model }

// embedCall is the /api/embed request. Long descriptions are truncated to
// the model's context rather than rejected.
type embedCall struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type embedReply struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed implements Embedder. Every returned vector has the same length.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reply, err := e.post(ctx, embedCall{Model: e.model, Input: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("eventstore: ollama %s: %w", e.model, err)
	}

	if len(reply.Embeddings) != len(texts) {
		return nil, fmt.Errorf("eventstore: ollama %s: %d vectors for %d texts", e.model, len(reply.Embeddings), len(texts))
	}
	dim := len(reply.Embeddings[0])
	for i, v := range reply.Embeddings {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("eventstore: ollama %s: vector %d has dim %d, want %d", e.model, i, len(v), dim)
		}
	}
	return reply.Embeddings, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, call embedCall) (*embedReply, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse))
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}

	var reply embedReply
	decodeErr := json.Unmarshal(raw, &reply)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && reply.Error != "" {
			msg = reply.Error
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding reply: %w", decodeErr)
	}
	return &reply, nil
}
