package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/lockgate/internal/auth"
	"github.com/nerrad567/lockgate/internal/infrastructure/logging"
)

const testJWTSecret = "test-secret-key-at-least-32-characters-long"

// writeConfig writes a config file into a temp dir and points
// LOCKGATE_CONFIG at it.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("LOCKGATE_CONFIG", path)
	t.Setenv("LOCKGATE_JWT_SECRET", "")
	return path
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingJWTSecret(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
database:
  path: "`+filepath.Join(t.TempDir(), "test.db")+`"
mqtt:
  enabled: false
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Fatalf("run() error = %v, want jwt secret validation error", err)
	}
}

func TestRun_StartupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, fmt.Sprintf(`
site:
  id: test-site
gateway:
  host: "127.0.0.1"
  port: %d
database:
  path: "%s"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
  format: text
  output: stdout
firmware:
  directory: "%s"
rfid:
  hash_key: "test-hash-key"
  cards:
    - card: "04A1B2C3"
      label: "seeded"
security:
  jwt:
    secret: "%s"
`, freePort(t), filepath.Join(dir, "test.db"), freePort(t), filepath.Join(dir, "firmware"), testJWTSecret))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "test.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("LOCKGATE_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", path)
	}
}

func TestRunToken(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
security:
  jwt:
    secret: "`+testJWTSecret+`"
    access_token_ttl: 5
`)

	var out bytes.Buffer
	if err := runToken([]string{"-subject", "ops", "-role", "admin"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testJWTSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops" || claims.Role != auth.RoleAdmin {
		t.Errorf("claims = %s/%s, want ops/admin", claims.Subject, claims.Role)
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 4*time.Minute || ttl > 5*time.Minute {
		t.Errorf("token ttl = %v, want about 5m", ttl)
	}
}

func TestRunToken_Invalid(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
security:
  jwt:
    secret: "`+testJWTSecret+`"
`)

	tests := []struct {
		name string
		args []string
	}{
		{"missing subject", []string{"-role", "admin"}},
		{"unknown role", []string{"-subject", "ops", "-role", "root"}},
		{"unknown flag", []string{"-subject", "ops", "-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runToken(tt.args, &out); err == nil {
				t.Errorf("runToken(%v) error = nil, want error", tt.args)
			}
		})
	}
}

type fakePruner struct {
	historyCalls int
	auditCalls   int
	olderThan    time.Duration
	err          error
}

func (f *fakePruner) PruneHistory(_ context.Context, olderThan time.Duration) (int64, error) {
	f.historyCalls++
	f.olderThan = olderThan
	return 3, f.err
}

func (f *fakePruner) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.auditCalls++
	f.olderThan = olderThan
	return 0, f.err
}

func TestPruneOnce(t *testing.T) {
	p := &fakePruner{}
	pruneOnce(context.Background(), 24*time.Hour, p, p, logging.Nop())
	if p.historyCalls != 1 || p.auditCalls != 1 || p.olderThan != 24*time.Hour {
		t.Errorf("pruner = %+v, want one call each with 24h", p)
	}

	// A failing history prune still prunes audit logs.
	p = &fakePruner{err: errors.New("disk full")}
	pruneOnce(context.Background(), time.Hour, p, p, logging.Nop())
	if p.auditCalls != 1 {
		t.Errorf("audit prune calls = %d, want 1", p.auditCalls)
	}
}

func TestSinkLists(t *testing.T) {
	states := stateSinks(nil, nil, nil, nil, 1)
	if len(states) != 2 || states[0].Name != "registry" {
		t.Errorf("stateSinks() without brokers = %+v", states)
	}
	events := eventSinks(nil, nil, nil, 1)
	if len(events) != 2 || events[0].Name != "audit" {
		t.Errorf("eventSinks() without brokers = %+v", events)
	}
}
