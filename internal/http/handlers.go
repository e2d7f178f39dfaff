package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
)

type Server struct {
	Svc *core.Service
	Log *zap.SugaredLogger
}

func NewServer(svc *core.Service, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{Svc: svc, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", s.createMessage)
		r.Get("/", s.listMessages)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getMessage)
			r.Post("/send", s.transition("send", s.Svc.Send))
			r.Post("/schedule", s.schedule)
			r.Post("/cancel", s.transition("cancel", s.Svc.Cancel))
			r.Post("/resume", s.transition("resume", s.Svc.Resume))
			r.Post("/retry-failed", s.transition("retry_failed", s.Svc.RetryFailed))
			r.Get("/stats", s.getStats)
			r.Get("/deliveries", s.listDeliveries)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrNothingToDo):
		return http.StatusConflict
	case errors.Is(err, core.ErrEmptyAudience):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrStorage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		s.Log.Errorw("request_error", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, map[string]string{"error": core.Code(err), "message": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", core.ErrInvalidInput, err)
	}
	return nil
}

func pageFrom(r *http.Request) (core.Page, error) {
	var p core.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%w: limit must be a non-negative integer", core.ErrInvalidInput)
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%w: offset must be a non-negative integer", core.ErrInvalidInput)
		}
		p.Offset = n
	}
	return p, nil
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var in core.CreateMessageRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.Svc.CreateMessage(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	p, err := pageFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var f core.MessageFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.MessageStatus(v)
		f.Status = &st
	}
	page, err := s.Svc.ListMessages(r.Context(), f, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Svc.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// transition wraps a lifecycle operation that returns the updated message.
func (s *Server) transition(op string, fn func(ctx context.Context, id string) (core.BroadcastMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := fn(r.Context(), chi.URLParam(r, "id"))
		metrics.Transitions.WithLabelValues(op, resultLabel(err)).Inc()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if op != "cancel" {
			status = http.StatusAccepted
		}
		writeJSON(w, status, m)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return core.Code(err)
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var in struct {
		At time.Time `json:"at"`
	}
	if err := decode(r, &in); err != nil {
		metrics.Transitions.WithLabelValues("schedule", resultLabel(err)).Inc()
		s.writeError(w, r, err)
		return
	}
	m, err := s.Svc.Schedule(r.Context(), chi.URLParam(r, "id"), in.At)
	metrics.Transitions.WithLabelValues("schedule", resultLabel(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Svc.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	p, err := pageFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var status *core.DeliveryStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.DeliveryStatus(v)
		status = &st
	}
	page, err := s.Svc.ListDeliveries(r.Context(), chi.URLParam(r, "id"), status, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
