package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Roles, in increasing privilege order.
const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

const sessionCookie = "session"

// Session is a parsed, verified session cookie.
type Session struct {
	User string
	Role string
	Exp  int64
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// makeSessionCookie signs user|role|exp so the cookie is tamper-evident
// without any server-side session state.
func makeSessionCookie(secret, user, role string, ttl time.Duration) string {
	exp := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", user, role, exp)
	raw := payload + "|" + sign(secret, payload)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func parseSessionCookie(secret, cookie string) *Session {
	b, err := base64.URLEncoding.DecodeString(cookie)
	if err != nil {
		return nil
	}
	parts := strings.SplitN(string(b), "|", 4)
	if len(parts) != 4 {
		return nil
	}
	user, role, expStr, sig := parts[0], parts[1], parts[2], parts[3]
	payload := user + "|" + role + "|" + expStr
	if !hmac.Equal([]byte(sig), []byte(sign(secret, payload))) {
		return nil
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || exp < time.Now().Unix() {
		return nil
	}
	if role != RoleAdmin && role != RoleViewer {
		return nil
	}
	return &Session{User: user, Role: role, Exp: exp}
}

// sessionMiddleware attaches the verified session (if any) to the request
// context; it never rejects.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(sessionCookie); err == nil {
			if sess := parseSessionCookie(s.secret(), c.Value); sess != nil {
				r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole gates a route on a minimum role. Viewer access is satisfied by
// either role; admin access requires admin.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessionFrom(r.Context())
			if sess == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
				return
			}
			if role == RoleAdmin && sess.Role != RoleAdmin {
				writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
