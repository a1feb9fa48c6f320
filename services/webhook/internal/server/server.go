package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"talkrelay/internal/opstoken"
	"talkrelay/internal/ratelimit"
	"talkrelay/internal/util"
	"talkrelay/pkg/webhook"
	"talkrelay/services/webhook/internal/app"
)

// SignatureHeader carries the sender's HMAC of the raw request body.
const SignatureHeader = "X-Channel-Signature"

// defaultMaxBodyBytes bounds webhook request bodies. Platform deliveries are
// small; anything past this is rejected before signature verification.
const defaultMaxBodyBytes = 1 << 20

type Config struct {
	App           *app.App
	ChannelSecret string
	MaxBodyBytes  int64

	// OpsVerifier guards the /ops endpoints. When nil the ops API is disabled.
	OpsVerifier *opstoken.Verifier
	OpsLimiter  *ratelimit.FixedWindowLimiter

	// TrustedProxies controls forwarded-header trust in request logs.
	TrustedProxies *util.TrustedProxies
}

// Server exposes the webhook ingress and the operator API.
type Server struct {
	app            *app.App
	channelSecret  string
	maxBodyBytes   int64
	opsVerifier    *opstoken.Verifier
	opsLimiter     *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
}

func New(cfg Config) *Server {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Server{
		app:            cfg.App,
		channelSecret:  cfg.ChannelSecret,
		maxBodyBytes:   maxBody,
		opsVerifier:    cfg.OpsVerifier,
		opsLimiter:     cfg.OpsLimiter,
		trustedProxies: cfg.TrustedProxies,
	}
}

// Router assembles the route table with the shared middleware chain.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ops/talkrooms", s.withOps(s.handleListTalkRooms))
	mux.HandleFunc("GET /ops/talkrooms/{id}/events", s.withOps(s.handleListEvents))
	mux.HandleFunc("POST /ops/talkrooms/{id}/reconcile", s.withOps(s.handleReconcile))

	return util.WithSecurityHeaders(util.WithRequestID(util.WithRequestLog("webhook", s.trustedProxies, mux)))
}

// handleWebhook verifies and validates a delivery, then acks with 200 before
// any store write; processing happens asynchronously off the delivery queue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if err := webhook.VerifySignature(body, r.Header.Get(SignatureHeader), s.channelSecret); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if _, err := webhook.DecodeEnvelope(body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}

	job, err := s.app.EnqueueDelivery(r.Context(), body)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("enqueue delivery failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to accept delivery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deliveryId": job.ID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withOps authenticates operator requests and applies the per-operator rate
// limit. The ops API stays hidden when no verifier is configured.
func (s *Server) withOps(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opsVerifier == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, err := s.opsVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if s.opsLimiter != nil && !s.opsLimiter.Allow("ops:"+subject) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListTalkRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.app.ListTalkRooms(r.Context(), limitParam(r))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list talk rooms failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list talk rooms")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"talkRooms": rooms})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	events, err := s.app.ListEvents(r.Context(), roomID, limitParam(r))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list events failed", "talk_room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := s.app.Reconcile(r.Context(), roomID); err != nil {
		if errors.Is(err, app.ErrTalkStore) {
			util.LoggerFromContext(r.Context()).Error("reconcile failed", "talk_room_id", roomID, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to reconcile talk room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled", "talkRoomId": roomID})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func limitParam(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
