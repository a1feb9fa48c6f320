package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"talkrelay/internal/opstoken"
	"talkrelay/internal/ratelimit"
	"talkrelay/pkg/archive"
	"talkrelay/pkg/profile"
	"talkrelay/pkg/store"
	"talkrelay/pkg/webhook"
	"talkrelay/services/webhook/internal/app"
)

const testChannelSecret = "channel-secret"

const followEnvelope = `{
	"destination": "bot-1",
	"events": [
		{"type": "follow", "webhookEventId": "ev-1", "timestamp": 1700000000000,
		 "source": {"type": "user", "userId": "auth-1"}}
	]
}`

type staticProfiles struct{}

func (staticProfiles) Fetch(context.Context, string) (profile.Profile, error) {
	return profile.Profile{DisplayName: "Any User"}, nil
}

type serverEnv struct {
	router   http.Handler
	identity *store.MemoryStore
	talk     *store.RedisTalkStore
	signer   *opstoken.Signer
}

func newServerEnv(t *testing.T, opsLimit int) *serverEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	talk, err := store.NewRedisTalkStore(mr.Addr(), "")
	if err != nil {
		t.Fatalf("talk store: %v", err)
	}
	mem := store.NewMemoryStore()

	a, err := app.New(app.Config{
		RedisAddr:     mr.Addr(),
		QueueName:     "test:deliveries",
		Identity:      mem,
		Outbox:        mem,
		Conversations: talk,
		Timeline:      talk,
		Profiles:      staticProfiles{},
		Archive:       archive.NopArchive{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	signer, err := opstoken.NewSigner("ops-secret", time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := opstoken.NewVerifier("ops-secret", time.Second)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", opsLimit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	srv := New(Config{
		App:           a,
		ChannelSecret: testChannelSecret,
		OpsVerifier:   verifier,
		OpsLimiter:    limiter,
	})
	return &serverEnv{router: srv.Router(), identity: mem, talk: talk, signer: signer}
}

func postWebhook(router http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsTamperedSignature(t *testing.T) {
	env := newServerEnv(t, 100)

	signature := webhook.Sign([]byte(followEnvelope), testChannelSecret)
	tampered := strings.Replace(followEnvelope, "auth-1", "auth-x", 1)
	rec := postWebhook(env.router, tampered, signature)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.identity.UserCount() != 0 {
		t.Fatal("rejected delivery must not touch the identity store")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	env := newServerEnv(t, 100)
	rec := postWebhook(env.router, followEnvelope, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookRejectsMalformedEnvelope(t *testing.T) {
	env := newServerEnv(t, 100)

	body := `{"events": "not-a-list"}`
	rec := postWebhook(env.router, body, webhook.Sign([]byte(body), testChannelSecret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookAcksBeforeProcessing(t *testing.T) {
	env := newServerEnv(t, 100)

	rec := postWebhook(env.router, followEnvelope, webhook.Sign([]byte(followEnvelope), testChannelSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "deliveryId") {
		t.Fatalf("expected delivery id in response: %s", rec.Body.String())
	}
	// Consumers were never started: the ack must not depend on store writes.
	if env.identity.UserCount() != 0 {
		t.Fatal("ack happened after identity store write")
	}
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func opsRequest(t *testing.T, env *serverEnv, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ops/talkrooms", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestOpsRequiresToken(t *testing.T) {
	env := newServerEnv(t, 100)

	if rec := opsRequest(t, env, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := opsRequest(t, env, "not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}

	token, err := env.signer.Sign("operator-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := opsRequest(t, env, token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOpsRateLimit(t *testing.T) {
	env := newServerEnv(t, 1)
	token, err := env.signer.Sign("operator-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if rec := opsRequest(t, env, token); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	if rec := opsRequest(t, env, token); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over quota, got %d", rec.Code)
	}
}

func TestOpsDisabledWithoutVerifier(t *testing.T) {
	srv := New(Config{ChannelSecret: testChannelSecret})
	req := httptest.NewRequest(http.MethodGet, "/ops/talkrooms", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when ops API disabled, got %d", rec.Code)
	}
}
