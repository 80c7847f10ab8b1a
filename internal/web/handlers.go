package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"boorubot/internal/hub"
	"boorubot/internal/settings"
	"boorubot/pkg/logx"
)

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLim.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "too many attempts"})
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	cfg := s.webCfg()
	role := ""
	switch {
	case req.User == cfg.AdminUser && equalSecret(req.Password, cfg.AdminPassword):
		role = RoleAdmin
	case cfg.ViewerPassword != "" && req.User == cfg.ViewerUser && equalSecret(req.Password, cfg.ViewerPassword):
		role = RoleViewer
	default:
		s.log.Warn("login rejected", logx.String("user", req.User), logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid credentials"})
		return
	}
	ttl := s.sessionTTL()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    makeSessionCookie(cfg.SessionSecret, req.User, role, ttl),
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.log.Info("login ok", logx.String("user", req.User), logx.String("role", role))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusResponse struct {
	NextRunAt       string `json:"next_run_at"`
	IntervalMinutes int    `json:"interval_minutes"`
	SentCount       int    `json:"sent_count"`
	Observers       int    `json:"observers"`
}

func (s *Server) status() statusResponse {
	snap := s.deps.Settings.Current()
	next := ""
	if t := s.deps.Poster.NextRun(); !t.IsZero() {
		next = t.UTC().Format(time.RFC3339)
	}
	return statusResponse{
		NextRunAt:       next,
		IntervalMinutes: snap.IntervalMinutes,
		SentCount:       s.deps.Sent.Len(),
		Observers:       s.deps.Hub.Observers(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "limit must be an integer"})
			return
		}
		limit = n
	}
	recs := s.deps.Sent.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"images": recs, "total": s.deps.Sent.Len()})
}

type settingsResponse struct {
	Tags            string `json:"tags"`
	IntervalMinutes int    `json:"interval_minutes"`
	FilterID        *int   `json:"filter_id"`
}

func settingsView(snap settings.Settings) settingsResponse {
	return settingsResponse{
		Tags:            snap.TagsText(),
		IntervalMinutes: snap.IntervalMinutes,
		FilterID:        snap.FilterID,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsView(s.deps.Settings.Current()))
}

// settingsRequest distinguishes an absent filter_id (leave unchanged) from an
// explicit null (clear) by decoding it as raw JSON.
type settingsRequest struct {
	Tags            *string         `json:"tags"`
	IntervalMinutes *int            `json:"interval_minutes"`
	FilterID        json.RawMessage `json:"filter_id"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	var u settings.Update
	u.TagsRaw = req.Tags
	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "interval_minutes must be at least 1"})
			return
		}
		u.IntervalMinutes = req.IntervalMinutes
	}
	if len(req.FilterID) > 0 {
		if string(req.FilterID) == "null" {
			u.ClearFilter = true
		} else {
			var id int
			if err := json.Unmarshal(req.FilterID, &id); err != nil || id < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "filter_id must be a non-negative integer or null"})
				return
			}
			u.FilterID = &id
		}
	}
	snap, err := s.deps.Settings.Apply(u)
	if err != nil {
		s.log.Error("settings persist failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "failed to save settings"})
		return
	}
	s.deps.Hub.Publish(hub.EventToast, hub.Toast{Type: "ok", Message: "Settings updated"})
	writeJSON(w, http.StatusOK, settingsView(snap))
}

type postNowRequest struct {
	Tags string `json:"tags"`
}

func (s *Server) handlePostNow(w http.ResponseWriter, r *http.Request) {
	var req postNowRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
			return
		}
	}
	var tags []string
	if groups := settings.ParseTagLines(req.Tags); len(groups) > 0 {
		tags = groups[0]
	}
	s.deps.Poster.PostNow(tags)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
