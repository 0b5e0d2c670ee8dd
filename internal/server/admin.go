package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const adminTokenFile = "admin_token"

// adminTokenHeader is pre-canonicalized for direct map access.
const adminTokenHeader = "X-Admin-Token"

// requireAdmin guards destructive operations behind the per-install admin
// token. Comparison is constant time.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got string
		if vals := r.Header[adminTokenHeader]; len(vals) > 0 {
			got = vals[0]
		}
		if s.deps.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminToken)) != 1 {
			slog.Warn("admin token rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden,
				errorResponse("admin token required; pass it in the X-Admin-Token header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoadOrCreateAdminToken reads the admin token from dir, generating and
// persisting one with 0600 permissions on first run.
func LoadOrCreateAdminToken(dir string) (string, error) {
	path := filepath.Join(dir, adminTokenFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read admin token: %w", err)
	}

	token := uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write admin token: %w", err)
	}
	slog.Info("admin token generated", "path", path)
	return token, nil
}
