package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/auth"
	"github.com/MarcoPoloResearchLab/vanish/internal/database"
	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testBaseURL = "https://vanish.example.com"

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type testEnvironment struct {
	handler  http.Handler
	service  *notes.Service
	realtime *RealtimeDispatcher
	limiter  *RateLimiter
	clock    *testClock
}

type testOptions struct {
	rateLimits      RateLimits
	heartbeat       time.Duration
	logger          *zap.Logger
	codes           notes.CodeGenerator
	trustedProxies  []string
	trustedPlatform string
}

func newTestEnvironment(t *testing.T, options testOptions) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := notes.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	clock := &testClock{now: testEpoch}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "vanish-api",
		Audience:      "vanish-owner",
		IDProvider:    notes.NewUUIDProvider(),
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	codes := options.codes
	if codes == nil {
		codes = notes.NewRandomCodeGenerator()
	}
	realtime := NewRealtimeDispatcher()
	service, err := notes.NewService(notes.ServiceConfig{
		Store:         store,
		Clock:         clock.Now,
		CodeGenerator: codes,
		OwnerTokens:   issuer,
		Gone:          realtime,
		Sleep:         func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	t.Cleanup(service.Close)

	limiter := NewRateLimiter(clock.Now)
	handler, err := NewHTTPHandler(Dependencies{
		NotesService:      service,
		Realtime:          realtime,
		RateLimiter:       limiter,
		RateLimits:        options.rateLimits,
		BaseURL:           testBaseURL + "/",
		TrustedProxies:    options.trustedProxies,
		TrustedPlatform:   options.trustedPlatform,
		Clock:             clock.Now,
		HeartbeatInterval: options.heartbeat,
		Logger:            options.logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		handler:  handler,
		service:  service,
		realtime: realtime,
		limiter:  limiter,
		clock:    clock,
	}
}

func (e *testEnvironment) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

// testPeer is the RemoteAddr httptest assigns to every request.
const testPeer = "192.0.2.1"

func (e *testEnvironment) mustCreate(t *testing.T, content string, lifetimeMinutes int) createResponsePayload {
	t.Helper()
	body := fmt.Sprintf(`{"content":%q,"lifetime_minutes":%d}`, content, lifetimeMinutes)
	recorder := e.do(t, http.MethodPost, "/notes", body, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload createResponsePayload
	mustDecode(t, recorder, &payload)
	return payload
}

func mustDecode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorBody(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	mustDecode(t, recorder, &payload)
	return payload.Error
}
