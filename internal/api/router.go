// Package api exposes the signal engine over HTTP: signal queries, indicator
// attach/detach, series reset, health, metrics and the WebSocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradebot-signals/internal/engine"
	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/model"
)

// Config wires the router's collaborators. Only Engine is required.
type Config struct {
	Engine *engine.Engine

	// WS serves GET /ws; nil disables it.
	WS http.Handler
	// Health serves GET /healthz; nil answers a plain ok.
	Health http.Handler
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// JWTSecret protects mutating routes with HS256 bearer tokens. Empty
	// disables them (403).
	JWTSecret []byte

	// OnChange runs after the attached set or threshold changes, e.g. to
	// save a snapshot.
	OnChange func(ctx context.Context)
}

type server struct {
	cfg Config
	eng *engine.Engine
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(cfg Config) *http.ServeMux {
	s := &server{cfg: cfg, eng: cfg.Engine}
	auth := RequireJWT(cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signals", s.handleSignals)
	mux.HandleFunc("GET /signals/{index}", s.handleSignalAt)
	mux.HandleFunc("GET /indicators", s.handleListIndicators)
	mux.Handle("POST /indicators", auth(http.HandlerFunc(s.handleAttach)))
	mux.Handle("DELETE /indicators/{handle}", auth(http.HandlerFunc(s.handleDetach)))
	mux.Handle("PUT /threshold", auth(http.HandlerFunc(s.handleThreshold)))
	mux.Handle("POST /reset", auth(http.HandlerFunc(s.handleReset)))

	if cfg.Health != nil {
		mux.Handle("GET /healthz", cfg.Health)
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.WS != nil {
		mux.Handle("GET /ws", cfg.WS)
	}
	return mux
}

// handleSignals returns BUY/SELL classifications for ?from=&to= (inclusive
// candle indices, default the whole series).
func (s *server) handleSignals(w http.ResponseWriter, r *http.Request) {
	n := s.eng.Len()
	from, err := intParam(r, "from", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := intParam(r, "to", n-1)
	if err != nil {
		writeError(w, err)
		return
	}
	out := s.eng.SignalsForRange(from, to)
	if out == nil {
		out = []model.Classification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": s.eng.Instrument(),
		"interval":   s.eng.Interval(),
		"candles":    n,
		"threshold":  s.eng.Threshold(),
		"signals":    out,
	})
}

func (s *server) handleSignalAt(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, badRequest("index must be an integer"))
		return
	}
	c, err := s.eng.Classification(i)
	if err != nil {
		writeError(w, err)
		return
	}
	votes, err := s.eng.Breakdown(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		model.Classification
		Indicators []model.Signal `json:"indicators"`
	}{c, votes})
}

func (s *server) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Specs())
}

type attachRequest struct {
	Kind   string           `json:"kind"`
	Params indicator.Params `json:"params"`
	Weight *float64         `json:"weight"`
}

func (s *server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid JSON: "+err.Error()))
		return
	}
	kind, err := indicator.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}
	h, err := s.eng.AttachIndicator(kind, req.Params, weight)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[api] attached %s as %s", kind, h)
	s.changed(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{"handle": h})
}

func (s *server) handleDetach(w http.ResponseWriter, r *http.Request) {
	h := engine.Handle(r.PathValue("handle"))
	if err := s.eng.DetachIndicator(h); err != nil {
		if errors.Is(err, model.ErrInvalidParameter) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	log.Printf("[api] detached %s", h)
	s.changed(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Threshold == nil {
		writeError(w, badRequest("body must be {\"threshold\": <number>}"))
		return
	}
	if err := s.eng.SetThreshold(*req.Threshold); err != nil {
		writeError(w, err)
		return
	}
	s.changed(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"threshold": s.eng.Threshold()})
}

// handleReset resets the series. An optional {"interval": "5m"} body also
// switches the interval.
func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval string `json:"interval"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, badRequest("invalid JSON: "+err.Error()))
			return
		}
	}

	if req.Interval == "" {
		s.eng.ResetAll()
	} else {
		iv, err := model.ParseInterval(req.Interval)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.eng.ResetSeries(iv); err != nil {
			writeError(w, err)
			return
		}
		s.changed(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interval":   s.eng.Interval(),
		"generation": s.eng.Generation(),
	})
}

func (s *server) changed(ctx context.Context) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(ctx)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest(name + " must be an integer")
	}
	return n, nil
}
