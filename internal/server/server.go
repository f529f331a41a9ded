// ============================================================================
// Wheel-Sorter Ops Server - HTTP surface for operators
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose status, diverter health, parcel lookup, mid-flight chute
//          changes, operating state control and Prometheus metrics
//
// Routes:
//   GET  /healthz                 liveness plus operating state
//   GET  /status                  orchestrator status
//   GET  /diverters               diverter health records
//   GET  /parcels/{id}            parcel record (active or recently terminal)
//   GET  /parcels/{id}/trace      journal entries of one parcel
//   POST /parcels/{id}/chute      {"chute_id": 3} -> disposition
//   PUT  /system/state            {"state": "paused"}
//   POST /sensors/{position}      external photo-eye trigger (WithTrigger)
//   GET  /metrics                 Prometheus exposition
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/orchestrator"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// Operator is the part of the orchestrator the server drives.
type Operator interface {
	Status() orchestrator.Status
	State() types.OperatingState
	SetOperatingState(to types.OperatingState) error
	Parcel(id types.ParcelID) (types.Parcel, bool)
	ChangeChute(id types.ParcelID, chute types.ChuteID) types.ChangeDisposition
	Diverters() []types.DiverterHealthRecord
}

// Tracer returns the journal entries of one parcel.
type Tracer interface {
	Trace(id types.ParcelID) ([]journal.Entry, error)
}

// Server is the ops HTTP server.
type Server struct {
	op      Operator
	tracer  Tracer
	metrics http.Handler
	router  *mux.Router
}

// NewServer builds the router. tracer and metrics may be nil.
func NewServer(op Operator, tracer Tracer, metrics http.Handler) *Server {
	s := &Server{op: op, tracer: tracer, metrics: metrics}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/diverters", s.diverters).Methods(http.MethodGet)
	r.HandleFunc("/parcels/{id}", s.getParcel).Methods(http.MethodGet)
	r.HandleFunc("/parcels/{id}/trace", s.trace).Methods(http.MethodGet)
	r.HandleFunc("/parcels/{id}/chute", s.changeChute).Methods(http.MethodPost)
	r.HandleFunc("/system/state", s.setState).Methods(http.MethodPut)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// WithTrigger exposes POST /sensors/{position} for lines whose photo-eyes
// report through the ops endpoint.
func (s *Server) WithTrigger(fn func(position int) error) *Server {
	s.router.HandleFunc("/sensors/{position:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		pos, err := strconv.Atoi(mux.Vars(r)["position"])
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := fn(pos); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.op.State()
	code := http.StatusOK
	if st == types.OpFault || st == types.OpEmergencyStop {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": "ok", "operating_state": string(st)})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.op.Status())
}

func (s *Server) diverters(w http.ResponseWriter, _ *http.Request) {
	recs := s.op.Diverters()
	if recs == nil {
		recs = []types.DiverterHealthRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getParcel(w http.ResponseWriter, r *http.Request) {
	id := types.ParcelID(mux.Vars(r)["id"])
	p, ok := s.op.Parcel(id)
	if !ok {
		writeError(w, http.StatusNotFound, "parcel not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) trace(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	id := types.ParcelID(mux.Vars(r)["id"])
	entries, err := s.tracer.Trace(id)
	if err != nil {
		log.Error("Trace failed", "parcel", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no journal entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ChangeChuteRequest is the body of POST /parcels/{id}/chute.
type ChangeChuteRequest struct {
	ChuteID types.ChuteID `json:"chute_id"`
}

// ChangeChuteResponse reports the disposition of a change.
type ChangeChuteResponse struct {
	ParcelID    types.ParcelID          `json:"parcel_id"`
	ChuteID     types.ChuteID           `json:"chute_id"`
	Disposition types.ChangeDisposition `json:"disposition"`
}

func (s *Server) changeChute(w http.ResponseWriter, r *http.Request) {
	id := types.ParcelID(mux.Vars(r)["id"])
	var req ChangeChuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	d := s.op.ChangeChute(id, req.ChuteID)
	code := http.StatusConflict
	switch d {
	case types.ChangeAccepted, types.ChangeIgnoredTerminal:
		code = http.StatusOK
	case types.ChangeRejectedUnknown:
		code = http.StatusNotFound
	case types.ChangeRejectedUnresolvable:
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, ChangeChuteResponse{ParcelID: id, ChuteID: req.ChuteID, Disposition: d})
}

// StateRequest is the body of PUT /system/state.
type StateRequest struct {
	State string `json:"state"`
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request) {
	var req StateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	to, ok := types.ParseOperatingState(req.State)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown operating state "+req.State)
		return
	}
	if err := s.op.SetOperatingState(to); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operating_state": string(s.op.State())})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
