package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"budgetflow/internal/export"
	"budgetflow/internal/log"
	"budgetflow/internal/publisher"
	"budgetflow/internal/services"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady pings every registered dependency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	code := http.StatusOK
	checks := make(map[string]string, len(s.ready))
	for name, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = "failed: " + err.Error()
			status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	if s.views.Report().Closed {
		checks["publisher"] = "closed"
		status = "not_ready"
		code = http.StatusServiceUnavailable
	} else {
		checks["publisher"] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.views.Current())
}

type queryRequest struct {
	Query string `json:"query"`
}

// handleSetQuery changes the shared search query and answers with the bundle
// computed for it, even if a feed update publishes another one meanwhile.
func (s *Server) handleSetQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.views.SetQuery(req.Query))
}

type statusResponse struct {
	Publisher publisher.Report `json:"publisher"`
	Security  SecurityReport   `json:"security"`
	Uptime    string           `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sec := SecurityReport{
		RateLimitHits:      atomic.LoadInt64(&s.security.rateLimitHits),
		SuspiciousRequests: atomic.LoadInt64(&s.security.suspiciousRequests),
	}
	if s.limiter != nil {
		sec.ActiveClients = s.limiter.activeClients()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Publisher: s.views.Report(),
		Security:  sec,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleExport renders the current bundle as a workbook. It is built in
// memory so a render failure still yields a clean 500.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	b := s.views.Current()
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, b); err != nil {
		log.NewStructuredLogger(log.FromContext(r.Context())).
			LogError(r.Context(), "Export failed", err, log.OpExport, nil)
		writeError(w, r, http.StatusInternalServerError, "export failed", nil)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="budget-flows-%d.xlsx"`, b.Sequence))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in services.FlowInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rec, err := s.flows.Submit(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, log.OpSubmit, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type stepsRequest struct {
	Steps []services.StepInput `json:"steps"`
}

func (s *Server) handleUpdateSteps(w http.ResponseWriter, r *http.Request) {
	var req stepsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.flows.UpdateSteps(r.Context(), r.PathValue("id"), req.Steps)
	if err != nil {
		writeServiceError(w, r, log.OpSteps, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAttach accepts one document in the multipart field "pdf".
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "step index must be a number", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBody)
	if err := r.ParseMultipartForm(maxAttachmentBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "attachment too large", nil)
			return
		}
		writeError(w, r, http.StatusBadRequest, "expected a multipart form", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("pdf")
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "missing document", map[string]string{"pdf": "required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read document", nil)
		return
	}

	rec, err := s.flows.AttachDocument(r.Context(), r.PathValue("id"), index,
		services.Attachment{FileName: header.Filename, Data: data})
	if err != nil {
		writeServiceError(w, r, log.OpAttach, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, r, http.StatusNotImplemented, "version history not available", nil)
		return
	}
	id := r.PathValue("id")
	recs, err := s.history.Lineage(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, log.OpLineage, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, r, http.StatusNotFound, "record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// decodeJSON reads a bounded JSON body into v and answers 400 itself on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return false
		}
		writeError(w, r, http.StatusBadRequest, "malformed JSON body", nil)
		return false
	}
	return true
}
