package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/lockgate/internal/auth"
	"github.com/nerrad567/lockgate/internal/infrastructure/config"
)

// runToken implements "lockgate token": it signs an API access token with
// the configured JWT secret and writes it to w.
//
// Flags:
//   - subject: caller identity recorded in audit logs (required)
//   - role: viewer, operator or admin (default viewer)
//   - ttl: token lifetime (default security.jwt.access_token_ttl)
func runToken(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(w)
	subject := fs.String("subject", "", "caller identity")
	role := fs.String("role", string(auth.RoleViewer), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	tok, err := auth.GenerateAccessToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}
