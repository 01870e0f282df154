package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketdesk/refresher/internal/service"
)

type startedResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

type busyResponse struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	RunID         string `json:"run_id,omitempty"`
	RunningModule string `json:"running_module"`
	ModuleName    string `json:"module_name,omitempty"`
	Step          string `json:"step"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, s.sched.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	info, err := s.sched.TryStart(service.ModeSingle, []string{key})
	s.started(w, r, info, err, fmt.Sprintf("refresh of %s started", key))
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	info, err := s.sched.TryStart(service.ModeAll, nil)
	s.started(w, r, info, err, "refresh of all modules started")
}

func (s *Server) started(w http.ResponseWriter, r *http.Request, info service.RunInfo, err error, msg string) {
	var busy *service.BusyError
	switch {
	case err == nil:
		slog.InfoContext(r.Context(), "refresh requested", "run_id", info.ID, "modules", info.Modules)
		respondJSON(w, r, http.StatusAccepted, startedResponse{OK: true, Message: msg, RunID: info.ID})
	case errors.As(err, &busy):
		respondJSON(w, r, http.StatusTooManyRequests, busyResponse{
			Error:         fmt.Sprintf("a refresh is already running: %s", busy.ModuleName),
			RunID:         busy.RunID,
			RunningModule: busy.Module,
			ModuleName:    busy.ModuleName,
			Step:          busy.Step,
		})
	case errors.Is(err, service.ErrUnknownModule), errors.Is(err, service.ErrNoModules):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		slog.ErrorContext(r.Context(), "starting refresh failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	info, err := s.sched.Cancel()
	switch {
	case err == nil:
		respondJSON(w, r, http.StatusOK, okResponse{
			OK:      true,
			Message: fmt.Sprintf("cancellation of run %s requested, it stops after the current step", info.ID),
		})
	case errors.Is(err, service.ErrNoActiveRun):
		respondError(w, r, http.StatusBadRequest, "no refresh is running")
	default:
		slog.ErrorContext(r.Context(), "cancelling refresh failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}
