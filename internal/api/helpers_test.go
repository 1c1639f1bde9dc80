package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/auth"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/credential"
	"github.com/nerrad567/lockgate/internal/device"
	"github.com/nerrad567/lockgate/internal/infrastructure/config"
	"github.com/nerrad567/lockgate/internal/infrastructure/database"
	"github.com/nerrad567/lockgate/internal/infrastructure/logging"
	"github.com/nerrad567/lockgate/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// mockController records commands and returns canned replies.
type mockController struct {
	mu     sync.Mutex
	result omni.Result
	image  omni.FirmwareImage
	err    error
	calls  []mockCall
}

type mockCall struct {
	deviceID string
	kind     omni.Kind
	fields   []string
}

func (m *mockController) Execute(_ context.Context, deviceID string, kind omni.Kind, fields ...string) (omni.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{deviceID: deviceID, kind: kind, fields: fields})
	return m.result, m.err
}

func (m *mockController) OfferUpgrade(_ context.Context, deviceID, deviceType string) (omni.FirmwareImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{deviceID: deviceID, kind: omni.KindUpgradeOffer, fields: []string{deviceType}})
	if m.err != nil {
		return omni.FirmwareImage{}, m.err
	}
	return m.image, nil
}

func (m *mockController) lastCall(t *testing.T) mockCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("controller was not called")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockController) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockSessions reports a fixed set of live sessions.
type mockSessions struct {
	sessions  []omni.SessionInfo
	listening bool
}

func (m *mockSessions) Sessions() []omni.SessionInfo {
	return append([]omni.SessionInfo(nil), m.sessions...)
}

func (m *mockSessions) Stats() omni.ServerStats {
	return omni.ServerStats{OpenSessions: len(m.sessions), BoundDevices: len(m.sessions)}
}

func (m *mockSessions) IsListening() bool { return m.listening }

// testEnv bundles a Server with the collaborators tests inspect.
type testEnv struct {
	srv        *Server
	handler    http.Handler
	registry   *device.Registry
	controller *mockController
	sessions   *mockSessions
	auditRepo  *audit.SQLiteRepository
}

// testServer creates a Server backed by a migrated in-memory SQLite database.
func testServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB), device.NewSQLiteStateHistoryRepository(db.DB))
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	hasher, err := credential.NewHasher("test-hash-key")
	if err != nil {
		t.Fatalf("NewHasher() error = %v", err)
	}
	creds := credential.NewStore(credential.NewSQLiteRepository(db.DB), hasher)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	controller := &mockController{}
	sessions := &mockSessions{listening: true}
	log := logging.Nop()

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
		},
		Logger:      log,
		Registry:    registry,
		Controller:  controller,
		Sessions:    sessions,
		Credentials: creds,
		AuditRepo:   auditRepo,
		Auditor:     audit.NewRecorder(auditRepo),
		DB:          db.DB,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Initialise hub for tests
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(hubCtx)

	return &testEnv{
		srv:        srv,
		handler:    srv.buildRouter(),
		registry:   registry,
		controller: controller,
		sessions:   sessions,
		auditRepo:  auditRepo,
	}
}

// token issues a signed access token for role.
func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(subject, role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

// do sends a request through the router. body may be nil; a non-nil body
// is JSON-encoded.
func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// decode unmarshals a JSON response body.
func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}
