package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quillhaven/taskwire/internal/auth"
	"github.com/quillhaven/taskwire/internal/queue"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the uniform response shape. Error is set exactly when
// Success is false.
type envelope struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message,omitempty"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any, meta map[string]any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data, Metadata: meta})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, envelope{Success: false, Error: &errorBody{Code: code, Message: message}})
}

func abort(c *gin.Context, status int, code, message string) {
	writeError(c, status, code, message)
	c.Abort()
}

func respondErr(c *gin.Context, err error) {
	writeError(c, statusForError(err), taskerr.CodeOf(err), err.Error())
}

// statusForError maps the taxonomy onto HTTP statuses. Not-found is checked
// by code first since it rides on the validation kind.
func statusForError(err error) int {
	if taskerr.CodeOf(err) == taskerr.CodeTaskNotFound {
		return http.StatusNotFound
	}
	switch taskerr.KindOf(err) {
	case taskerr.KindValidation:
		return http.StatusBadRequest
	case taskerr.KindAuthorization:
		return http.StatusForbidden
	case taskerr.KindTransient:
		return http.StatusServiceUnavailable
	case taskerr.KindDownstream:
		return http.StatusBadGateway
	case taskerr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func claimsOf(c *gin.Context) auth.Claims {
	claims, _ := auth.ClaimsFromContext(c.Request.Context())
	return claims
}

// callerTenant resolves which tenant a request acts on. Tenant tokens are
// pinned to their own tenant; service tokens name one explicitly.
func callerTenant(c *gin.Context, claims auth.Claims) string {
	if claims.IsService() {
		return c.Query("tenant_id")
	}
	return claims.TenantID
}

func (s *Server) submitTask(c *gin.Context) {
	claims := claimsOf(c)

	var req queue.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err))
		return
	}
	if claims.IsService() {
		if req.TenantID == "" {
			respondErr(c, taskerr.Validation("tenant_id is required for service submissions"))
			return
		}
	} else {
		req.TenantID = claims.TenantID
	}

	env, dup, err := s.producer.Submit(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}

	// A submission carrying a session id subscribes that session's live
	// connection before the worker can finish the task.
	if s.sockets != nil {
		if sessionID := env.SessionID(); sessionID != "" {
			s.sockets.BindTask(c.Request.Context(), sessionID, env.TenantID, env.TaskID)
		}
	}

	var meta map[string]any
	if dup {
		meta = map[string]any{"duplicate": true}
	}
	respond(c, http.StatusAccepted, "task accepted", gin.H{
		"task_id": env.TaskID,
		"status":  env.Status,
	}, meta)
}

func (s *Server) getTask(c *gin.Context) {
	claims := claimsOf(c)
	taskID := c.Param("id")
	tenantID := callerTenant(c, claims)
	if tenantID == "" {
		respondErr(c, taskerr.Validation("tenant_id is required"))
		return
	}

	res, err := s.store.PeekStatus(c.Request.Context(), tenantID, taskID)
	if err != nil && taskerr.CodeOf(err) == taskerr.CodeTaskNotFound && s.archive != nil {
		res, err = s.archive.Lookup(c.Request.Context(), tenantID, taskID)
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, "", res, nil)
}

func (s *Server) cancelTask(c *gin.Context) {
	claims := claimsOf(c)
	taskID := c.Param("id")
	tenantID := callerTenant(c, claims)
	if tenantID == "" {
		respondErr(c, taskerr.Validation("tenant_id is required"))
		return
	}

	res, err := s.store.PeekStatus(c.Request.Context(), tenantID, taskID)
	if err != nil {
		respondErr(c, err)
		return
	}
	service, err := s.types.ServiceFor(res.Type)
	if err != nil {
		respondErr(c, err)
		return
	}
	out, err := s.store.Cancel(c.Request.Context(), service, tenantID, taskID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, "cancellation requested", out, nil)
}

func (s *Server) queueStats(c *gin.Context) {
	claims := claimsOf(c)
	services := s.types.Services()

	if claims.IsService() {
		all := make([]*queue.Stats, 0, len(services))
		for _, svc := range services {
			st, err := s.store.Stats(c.Request.Context(), svc)
			if err != nil {
				respondErr(c, err)
				return
			}
			all = append(all, st)
		}
		respond(c, http.StatusOK, "", gin.H{"services": all}, nil)
		return
	}

	// Tenant callers see their own depths only.
	type tenantStat struct {
		Service string `json:"service"`
		Queued  int64  `json:"queued"`
	}
	out := make([]tenantStat, 0, len(services))
	for _, svc := range services {
		st, err := s.store.Stats(c.Request.Context(), svc)
		if err != nil {
			respondErr(c, err)
			return
		}
		out = append(out, tenantStat{Service: svc, Queued: st.TenantDepth[claims.TenantID]})
	}
	respond(c, http.StatusOK, "", gin.H{"queues": out}, nil)
}

func (s *Server) deadLetters(c *gin.Context) {
	claims := claimsOf(c)
	if !claims.IsService() {
		respondErr(c, taskerr.Authorization(taskerr.CodeUnauthorized, "service token required"))
		return
	}
	service := c.Query("service")
	if service == "" {
		respondErr(c, taskerr.Validation("service is required"))
		return
	}
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			respondErr(c, taskerr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	items, err := s.store.DeadLetters(c.Request.Context(), service, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{"dead_letters": items, "count": len(items)}, nil)
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	claims := claimsOf(c)
	if !claims.IsService() {
		respondErr(c, taskerr.Authorization(taskerr.CodeUnauthorized, "service token required"))
		return
	}

	var req struct {
		Service string `json:"service"`
		TaskID  string `json:"task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err))
		return
	}
	if req.Service == "" || req.TaskID == "" {
		respondErr(c, taskerr.Validation("service and task_id are required"))
		return
	}

	if err := s.store.RequeueDeadLetter(c.Request.Context(), req.Service, req.TaskID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, "dead letter requeued", gin.H{"task_id": req.TaskID}, nil)
}
