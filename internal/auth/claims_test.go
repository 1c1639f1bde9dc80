package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParseAccessToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-signing"

	token, err := GenerateAccessToken("ops", RoleOperator, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, secret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.Subject != "ops" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "ops")
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateAccessToken_Validation(t *testing.T) {
	if _, err := GenerateAccessToken("ops", Role("owner"), "secret", 0); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown role error = %v, want ErrInvalidRole", err)
	}
	if _, err := GenerateAccessToken("", RoleAdmin, "secret", 0); err == nil {
		t.Error("empty subject error = nil")
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAccessToken("ops", RoleViewer, "secret", 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, _ := GenerateAccessToken("ops", RoleAdmin, "correct-secret", time.Hour)

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleAdmin,
	}).SignedString([]byte("secret"))

	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
		Role:             Role("root"),
	}).SignedString([]byte("secret"))

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		Role: RoleViewer,
	}).SignedString([]byte("secret"))

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
		Role:             RoleAdmin,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", valid, "wrong-secret"},
		{"expired", expired, "secret"},
		{"unknown role", badRole, "secret"},
		{"missing subject", noSubject, "secret"},
		{"unsigned", none, "secret"},
		{"garbage", "not-a-valid-jwt", "secret"},
		{"empty", "", "secret"},
		{"two segments", "abc.def", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, tt.secret)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}
