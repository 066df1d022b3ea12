package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/httpcall"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func dataMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	return m
}

func TestFakeVector(t *testing.T) {
	a := fakeVector("hello world")
	b := fakeVector("hello world")
	c := fakeVector("something else")

	if len(a) != embeddingDim {
		t.Fatalf("len = %d, want %d", len(a), embeddingDim)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("vector not deterministic at %d: %f != %f", i, a[i], b[i])
		}
		if a[i] < -1 || a[i] >= 1 {
			t.Errorf("component %d = %f, want in [-1, 1)", i, a[i])
		}
	}

	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		n        int
		expected string
	}{
		{name: "shorter than limit", input: "abc", n: 10, expected: "abc"},
		{name: "exactly at limit", input: "abcde", n: 5, expected: "abcde"},
		{name: "over limit", input: "abcdefgh", n: 5, expected: "abcde..."},
		{name: "empty", input: "", n: 5, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.n); got != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.expected)
			}
		})
	}
}

func TestHandleEmbeddings_Single(t *testing.T) {
	b := &backend{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader([]byte(`{"text":"hello"}`)))

	b.handleEmbeddings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("success = false, error %+v", env.Error)
	}
	data := dataMap(t, env)
	vec, ok := data["embedding"].([]any)
	if !ok {
		t.Fatalf("embedding is %T, want array", data["embedding"])
	}
	if len(vec) != embeddingDim {
		t.Errorf("embedding len = %d, want %d", len(vec), embeddingDim)
	}
	if data["model"] != "fake-embed-v1" {
		t.Errorf("model = %v, want fake-embed-v1", data["model"])
	}
}

func TestHandleEmbeddings_Batch(t *testing.T) {
	b := &backend{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader([]byte(`{"texts":["a","b","c"],"model":"custom"}`)))

	b.handleEmbeddings(rec, req)

	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("success = false, error %+v", env.Error)
	}
	data := dataMap(t, env)
	vecs, ok := data["embeddings"].([]any)
	if !ok {
		t.Fatalf("embeddings is %T, want array", data["embeddings"])
	}
	if len(vecs) != 3 {
		t.Errorf("embeddings len = %d, want 3", len(vecs))
	}
	if data["model"] != "custom" {
		t.Errorf("model = %v, want custom", data["model"])
	}
}

func TestHandleEmbeddings_EmptyInput(t *testing.T) {
	b := &backend{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader([]byte(`{"model":"m"}`)))

	b.handleEmbeddings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Fatal("expected success=false for empty input")
	}
	if env.Error == nil || env.Error.Code != "empty_input" {
		t.Errorf("error = %+v, want code empty_input", env.Error)
	}
}

func TestHandleTools(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantSuccess bool
		wantCode    string
	}{
		{name: "echo", payload: `{"tool_name":"echo","arguments":{"x":1}}`, wantSuccess: true},
		{name: "clock", payload: `{"tool_name":"clock"}`, wantSuccess: true},
		{name: "unknown tool", payload: `{"tool_name":"launch"}`, wantSuccess: false, wantCode: "unknown_tool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &backend{}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/tools/execute", bytes.NewReader([]byte(tt.payload)))

			b.handleTools(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			env := decodeEnvelope(t, rec)
			if env.Success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (error %+v)", env.Success, tt.wantSuccess, env.Error)
			}
			if tt.wantCode != "" && (env.Error == nil || env.Error.Code != tt.wantCode) {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
		})
	}
}

func TestHandleTools_EchoOutput(t *testing.T) {
	b := &backend{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/execute", bytes.NewReader([]byte(`{"tool_name":"echo","arguments":{"greeting":"hi"}}`)))

	b.handleTools(rec, req)

	env := decodeEnvelope(t, rec)
	data := dataMap(t, env)
	out, ok := data["output"].(map[string]any)
	if !ok {
		t.Fatalf("output is %T, want map", data["output"])
	}
	if out["greeting"] != "hi" {
		t.Errorf("output = %v, want echoed arguments", out)
	}
}

func TestAdmit_SignatureChecked(t *testing.T) {
	b := &backend{cfg: config.FakeBackend{
		SigningSecret:        "backend-secret",
		SigningLeewaySeconds: 300,
	}}

	// Unsigned request is rejected.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader([]byte(`{"text":"hello"}`)))
	b.handleEmbeddings(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", rec.Code)
	}

	// Signed request passes.
	body := []byte(`{"text":"hello"}`)
	signer := httpcall.NewSigner("backend-secret", sigHeader, tsHeader)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	signer.Sign(req.Header, body)
	b.handleEmbeddings(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestAdmit_FailFirstN(t *testing.T) {
	b := &backend{cfg: config.FakeBackend{FailFirstN: 2}}

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader([]byte(`{"text":"hello"}`)))
		b.handleEmbeddings(rec, req)

		want := http.StatusInternalServerError
		if i > 2 {
			want = http.StatusOK
		}
		if rec.Code != want {
			t.Errorf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}
