package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// maxBody limits JSON request bodies.
const maxBody = 64 << 10

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type msgResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.DebugContext(r.Context(), "writing response failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, r, status, errorResponse{OK: false, Error: msg})
}

func respondMsg(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, r, status, msgResponse{OK: status < 300, Msg: msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	err := dec.Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
