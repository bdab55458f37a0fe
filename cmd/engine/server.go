package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/engine"
	"github.com/tradeflow-labs/signal-engine/internal/guard"
	"github.com/tradeflow-labs/signal-engine/internal/logger"
	"github.com/tradeflow-labs/signal-engine/internal/monitoring"
	"github.com/tradeflow-labs/signal-engine/internal/signal"
)

const maxWebhookBody = 1 << 16

// webhookServer exposes the signal intake over HTTP. TradingView alerts
// POST their JSON payload to /webhook.
type webhookServer struct {
	engine *engine.Engine
	secret string
	log    *logger.Logger
}

func newWebhookServer(e *engine.Engine, secret string, log *logger.Logger) *webhookServer {
	return &webhookServer{engine: e, secret: secret, log: log}
}

func (s *webhookServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.NewMetricsHandler())
	return mux
}

func (s *webhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw signal.RawSignal
	body := http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		s.respond(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if !s.authorized(r, &raw) {
		s.respond(w, http.StatusUnauthorized, "bad secret")
		return
	}
	raw.Secret = ""

	err := s.engine.HandleSignal(&raw)
	switch {
	case err == nil:
		s.respond(w, http.StatusAccepted, "accepted")
	case errors.Is(err, guard.ErrDuplicateSignal):
		// Acknowledge so the sender stops retrying a delivered signal.
		s.respond(w, http.StatusOK, "duplicate")
	case errors.Is(err, signal.ErrInvalidSignal):
		s.respond(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrPairBusy), errors.Is(err, guard.ErrQueueFull):
		s.respond(w, http.StatusConflict, err.Error())
	default:
		if s.log != nil {
			s.log.LogError("webhook intake", err)
		}
		s.respond(w, http.StatusInternalServerError, "internal error")
	}
}

// authorized checks the shared secret, taken from the payload or the
// X-Webhook-Secret header. An empty configured secret disables the check.
func (s *webhookServer) authorized(r *http.Request, raw *signal.RawSignal) bool {
	if s.secret == "" {
		return true
	}
	provided := raw.Secret
	if provided == "" {
		provided = r.Header.Get("X-Webhook-Secret")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) == 1
}

func (s *webhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *webhookServer) respond(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": message})
}
