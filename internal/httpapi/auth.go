package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/mount"
)

// APIKey scopes a non-admin caller. BasicPath restricts the key to one
// virtual subtree.
type APIKey struct {
	ID        string
	BasicPath string
}

// bearerToken extracts the credential from Authorization or, for clients
// that cannot set headers (websocket from browsers, direct links), from the
// token query parameter.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}

	return r.URL.Query().Get("token")
}

// principal authenticates the request. The admin token wins over API keys;
// unknown or missing credentials fail closed.
func (s *Server) principal(r *http.Request) (mount.Principal, error) {
	tok := bearerToken(r)

	if tok != "" && s.adminToken != "" &&
		subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) == 1 {
		return mount.Principal{Kind: mount.KindAdmin, ID: "admin"}, nil
	}

	if key, ok := s.apiKeys[tok]; ok && tok != "" {
		return mount.Principal{Kind: mount.KindAPIKey, ID: key.ID, BasicPath: key.BasicPath}, nil
	}

	return mount.Principal{}, driver.E(driver.KindForbidden, "api.auth", "", nil)
}

// withAuth wraps a handler that needs an authenticated principal.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, mount.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.principal(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, envelope{
				Code: string(driver.KindForbidden), Message: "authentication required", Success: false})

			return
		}

		next(w, r, p)
	}
}

// withDispatcher guards the scheduled-task routes when no scheduler is
// wired.
func (s *Server) withDispatcher(next func(http.ResponseWriter, *http.Request, mount.Principal)) func(http.ResponseWriter, *http.Request, mount.Principal) {
	return func(w http.ResponseWriter, r *http.Request, p mount.Principal) {
		if s.dispatcher == nil {
			writeJSON(w, http.StatusNotFound, envelope{
				Code: string(driver.KindNotFound), Message: "scheduler is not running", Success: false})

			return
		}

		next(w, r, p)
	}
}

// withAdmin wraps a handler restricted to the admin principal.
func (s *Server) withAdmin(next func(http.ResponseWriter, *http.Request, mount.Principal)) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, p mount.Principal) {
		if !p.IsAdmin() {
			writeJSON(w, http.StatusForbidden, envelope{
				Code: string(driver.KindForbidden), Message: "admin access required", Success: false})

			return
		}

		next(w, r, p)
	})
}
