package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/httpcall"
)

const (
	sigHeader = "X-Taskwire-Signature"
	tsHeader  = "X-Taskwire-Timestamp"

	embeddingDim = 8
)

type envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type backend struct {
	cfg      config.FakeBackend
	reqCount atomic.Int64
}

func main() {
	cfg := config.FromEnv().FakeBackend
	b := &backend{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/v1/embeddings", b.handleEmbeddings)
	mux.HandleFunc("/v1/tools/execute", b.handleTools)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-backend listening on %s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

// admit runs the checks shared by both endpoints: signature verification,
// simulated latency, simulated flakiness. It returns false when it has
// already written a response.
func (b *backend) admit(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if b.cfg.SigningSecret != "" {
		leeway := time.Duration(b.cfg.SigningLeewaySeconds) * time.Second
		err := httpcall.Verify(b.cfg.SigningSecret, body, r.Header.Get(tsHeader), r.Header.Get(sigHeader), leeway)
		if err != nil {
			log.Printf("fake-backend rejected signature: %v", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return nil, false
		}
	}

	if b.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(b.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	n := b.reqCount.Add(1)
	if n <= int64(b.cfg.FailFirstN) {
		log.Printf("FAILING (%d/%d) %s body=%s", n, b.cfg.FailFirstN, r.URL.Path, truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return nil, false
	}

	log.Printf("fake-backend OK %s body=%s", r.URL.Path, truncate(string(body), 160))
	return body, true
}

func (b *backend) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := b.admit(w, r)
	if !ok {
		return
	}

	var req struct {
		Text  string   `json:"text"`
		Texts []string `json:"texts"`
		Model string   `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: &envelopeError{Code: "bad_request", Message: "malformed payload"}})
		return
	}
	model := req.Model
	if model == "" {
		model = "fake-embed-v1"
	}

	if len(req.Texts) > 0 {
		vecs := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			vecs[i] = fakeVector(text)
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"model": model, "embeddings": vecs}})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: &envelopeError{Code: "empty_input", Message: "text is required"}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"model": model, "embedding": fakeVector(req.Text)}})
}

func (b *backend) handleTools(w http.ResponseWriter, r *http.Request) {
	body, ok := b.admit(w, r)
	if !ok {
		return
	}

	var req struct {
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: &envelopeError{Code: "bad_request", Message: "malformed payload"}})
		return
	}

	switch req.ToolName {
	case "echo":
		args := req.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"tool_name": "echo", "output": args}})
	case "clock":
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"tool_name": "clock", "output": time.Now().UTC().Format(time.RFC3339)}})
	default:
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: &envelopeError{Code: "unknown_tool", Message: "no such tool: " + req.ToolName}})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeVector derives a deterministic vector from the input text so repeated
// requests for the same text compare equal.
func fakeVector(text string) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, embeddingDim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed)) / float64(1<<63)
	}
	return vec
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
