// Package handlers holds the built-in task types: their payload schemas,
// validators, and execution functions. Registration lives here rather than
// in the codec registry so adding a type touches one package.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/httpcall"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/queue"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
	"github.com/quillhaven/taskwire/internal/tenant"
)

// Service queue names the built-in types route to.
const (
	ServiceEmbedding = "embedding"
	ServiceTools     = "tools"
)

// Built-in task type names.
const (
	TypeSingleEmbedding = "single_embedding"
	TypeBatchEmbeddings = "batch_embeddings"
	TypeToolExecution   = "tool_execution"
)

// maxBatchTexts bounds a batch so one task cannot monopolize a worker for
// the whole task lifetime.
const maxBatchTexts = 256

// EmbeddingPayload is the payload for single_embedding.
type EmbeddingPayload struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// BatchEmbeddingsPayload is the payload for batch_embeddings.
type BatchEmbeddingsPayload struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

// ToolExecutionPayload is the payload for tool_execution. Arguments are
// passed through to the tool backend untouched.
type ToolExecutionPayload struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RegisterTypes installs the built-in task types into reg. Producers and
// the gateway share one registry so routing and validation agree.
func RegisterTypes(reg *task.Types) {
	reg.Register(TypeSingleEmbedding, ServiceEmbedding, ValidateSingleEmbedding)
	reg.Register(TypeBatchEmbeddings, ServiceEmbedding, ValidateBatchEmbeddings)
	reg.Register(TypeToolExecution, ServiceTools, ValidateToolExecution)
}

func ValidateSingleEmbedding(raw json.RawMessage) error {
	var p EmbeddingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return taskerr.Validation("text is required")
	}
	return nil
}

func ValidateBatchEmbeddings(raw json.RawMessage) error {
	var p BatchEmbeddingsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	if len(p.Texts) == 0 {
		return taskerr.Validation("texts must not be empty")
	}
	if len(p.Texts) > maxBatchTexts {
		return taskerr.Validation("texts exceeds the batch limit of %d", maxBatchTexts)
	}
	for i, text := range p.Texts {
		if strings.TrimSpace(text) == "" {
			return taskerr.Validation("texts[%d] is empty", i)
		}
	}
	return nil
}

func ValidateToolExecution(raw json.RawMessage) error {
	var p ToolExecutionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	if strings.TrimSpace(p.ToolName) == "" {
		return taskerr.Validation("tool_name is required")
	}
	return nil
}

// Caller is the slice of the call client the handlers use.
type Caller interface {
	Call(ctx context.Context, method, url string, payload any, opts httpcall.CallOptions) (*httpcall.Response, error)
}

// Set executes the built-in task types against the configured backends.
type Set struct {
	caller Caller
	cfg    config.Call
	logger *logging.Logger
}

func New(caller Caller, cfg config.Call) *Set {
	return &Set{caller: caller, cfg: cfg, logger: logging.New("handlers")}
}

// RegisterEmbedding wires the embedding types onto an embedding-service
// consumer.
func (s *Set) RegisterEmbedding(c *queue.Consumer) {
	c.Register(TypeSingleEmbedding, s.SingleEmbedding)
	c.Register(TypeBatchEmbeddings, s.BatchEmbeddings)
}

// RegisterTools wires the tool types onto a tools-service consumer.
func (s *Set) RegisterTools(c *queue.Consumer) {
	c.Register(TypeToolExecution, s.ToolExecution)
}

// SingleEmbedding embeds one text. Identical inputs produce identical
// vectors, so the call is idempotent and cacheable.
func (s *Set) SingleEmbedding(ctx context.Context, env *task.Envelope) (json.RawMessage, error) {
	var p EmbeddingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	res, err := s.caller.Call(s.callCtx(ctx, env), http.MethodPost,
		s.cfg.EmbeddingURL+"/v1/embeddings", p, httpcall.CallOptions{
			OpType:     httpcall.OpHeavy,
			Idempotent: true,
		})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// BatchEmbeddings embeds a batch in one downstream call.
func (s *Set) BatchEmbeddings(ctx context.Context, env *task.Envelope) (json.RawMessage, error) {
	var p BatchEmbeddingsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	res, err := s.caller.Call(s.callCtx(ctx, env), http.MethodPost,
		s.cfg.EmbeddingURL+"/v1/embeddings", p, httpcall.CallOptions{
			OpType:     httpcall.OpHeavy,
			Idempotent: true,
		})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// ToolExecution runs a tool. Tools may have side effects, so the call is
// never cached and only transport-level failures retry.
func (s *Set) ToolExecution(ctx context.Context, env *task.Envelope) (json.RawMessage, error) {
	var p ToolExecutionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	res, err := s.caller.Call(s.callCtx(ctx, env), http.MethodPost,
		s.cfg.ToolURL+"/v1/tools/execute", p, httpcall.CallOptions{
			OpType: httpcall.OpStandard,
		})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// callCtx threads the task's identity into the ambient tenant context so
// downstream calls carry the same tenant, session, and correlation headers.
func (s *Set) callCtx(ctx context.Context, env *task.Envelope) context.Context {
	return tenant.NewContext(ctx, tenant.Context{
		TenantID:      env.TenantID,
		AgentID:       env.Meta(task.MetaAgentID),
		SessionID:     env.SessionID(),
		CorrelationID: env.TaskID,
	})
}
