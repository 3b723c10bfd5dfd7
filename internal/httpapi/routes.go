// Package httpapi serves the delta ingest endpoints field devices push their
// committed logs to.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldsync/internal/auth"
	"fieldsync/internal/deltalog"
	"fieldsync/internal/metrics"
	"fieldsync/internal/storage"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// PushRequest is the body of POST /deltas/push.
type PushRequest struct {
	ClientID string            `json:"clientId"`
	BatchID  string            `json:"batchId"`
	Deltas   []deltalog.Record `json:"deltas"`
}

// PushResponse is the body answering a successful push.
type PushResponse struct {
	ServerSeq int64  `json:"serverSeq"`
	BatchID   string `json:"batchId"`
	Accepted  int    `json:"accepted"`
}

type Server struct {
	store storage.Store
}

func NewServer(store storage.Store) *Server {
	return &Server{store: store}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/deltas/push", s.handlePush)
	mux.HandleFunc("/deltas/pull", s.handlePull)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	var payload PushRequest
	if err := decodeJSON(r, &payload); err != nil {
		glog.Warningf("delta push decode error user=%s: %v", userID, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientId is required"})
		return
	}
	if payload.BatchID == "" {
		payload.BatchID = uuid.NewString()
	}
	deltas := make([]storage.Delta, 0, len(payload.Deltas))
	for _, rec := range payload.Deltas {
		if rec.Empty() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty patch " + rec.ID})
			return
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		deltas = append(deltas, storage.Delta{
			DeltaID:  rec.ID,
			Kind:     string(rec.Kind),
			LayerID:  rec.LayerID,
			RecordID: rec.RecordID,
			Payload:  encoded,
		})
	}
	serverSeq, err := s.store.InsertDeltas(r.Context(), userID, payload.ClientID, payload.BatchID, deltas)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidDelta) {
			glog.Warningf("delta push rejected user=%s client=%s: %v", userID, payload.ClientID, err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		glog.Errorf("delta push insert error user=%s client=%s deltas=%d: %v", userID, payload.ClientID, len(deltas), err)
		storageFailed(w, r, err)
		return
	}
	if err := s.store.TouchClient(r.Context(), userID, payload.ClientID); err != nil {
		glog.Errorf("delta push touch error user=%s client=%s: %v", userID, payload.ClientID, err)
		storageFailed(w, r, err)
		return
	}
	metrics.DeltasIngested.Add(float64(len(deltas)))
	glog.V(1).Infof("delta push user=%s client=%s batch=%s deltas=%d seq=%d", userID, payload.ClientID, payload.BatchID, len(deltas), serverSeq)
	writeJSON(w, http.StatusOK, PushResponse{
		ServerSeq: serverSeq,
		BatchID:   payload.BatchID,
		Accepted:  len(deltas),
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientId is required"})
		return
	}
	var since int64
	if sinceValue := r.URL.Query().Get("since"); sinceValue != "" {
		parsed, err := strconv.ParseInt(sinceValue, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a non-negative integer"})
			return
		}
		since = parsed
	} else {
		cursor, err := s.store.ClientCursor(r.Context(), userID, clientID)
		if err != nil {
			storageFailed(w, r, err)
			return
		}
		since = cursor
	}
	deltas, serverSeq, err := s.store.GetDeltasSince(r.Context(), userID, since)
	if err != nil {
		glog.Errorf("delta pull error user=%s client=%s since=%d: %v", userID, clientID, since, err)
		storageFailed(w, r, err)
		return
	}
	if err := s.store.UpdateClientCursor(r.Context(), userID, clientID, serverSeq); err != nil {
		glog.Errorf("delta pull cursor error user=%s client=%s seq=%d: %v", userID, clientID, serverSeq, err)
		storageFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"serverSeq": serverSeq,
		"deltas":    deltas,
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
}

// storageFailed answers a store error the client cannot fix by changing the
// request. The client may retry once the store is reachable again.
func storageFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || r.Context().Err() != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage error"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
