package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cycletime/internal/apperr"
	"cycletime/internal/config"
	"cycletime/internal/metrics"
	"cycletime/internal/middleware"
	"cycletime/internal/models"
	"cycletime/internal/rate"
	"cycletime/internal/service"
	"cycletime/internal/session"
	"cycletime/internal/store"
	"cycletime/internal/telemetry"
	"cycletime/internal/util"
	"cycletime/internal/version"
)

type Handlers struct {
	cfg      config.Config
	svc      *service.Service
	sessions *session.Registry
	limiter  *rate.Limiter
}

func NewRouter(cfg config.Config, svc *service.Service, reg *session.Registry, m *telemetry.Metrics) http.Handler {
	h := &Handlers{
		cfg:      cfg,
		svc:      svc,
		sessions: reg,
		limiter:  rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	loginLimit := cfg.LoginRatePerMinute
	if loginLimit <= 0 {
		loginLimit = 20
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			util.WriteJSON(w, 200, version.Current())
		})
		r.With(middleware.RateLimit(h.limiter, "login", loginLimit, time.Minute, cfg.TrustProxy)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.sessions, cfg.SessionCookieName))
			r.Get("/me", h.Me)
			r.Get("/records", h.ListRecords)
			r.Get("/records/facets", h.RecordFacets)
			r.Get("/reports/uph", h.UPHReport)

			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFFromCookie(cfg.CSRFCookieName))
				r.Post("/password", h.ChangePassword)
				r.Post("/records", h.CreateRecords)
				r.Patch("/records/{index}", h.EditRecord)
				r.Delete("/records/{index}", h.DeleteRecord)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly)
				r.Get("/users", h.AdminListUsers)
				r.Get("/audit-log", h.AdminAuditLog)
				r.Get("/audit-log/stats", h.AdminAuditStats)
				r.Group(func(r chi.Router) {
					r.Use(middleware.CSRFFromCookie(cfg.CSRFCookieName))
					r.Post("/users", h.AdminCreateUser)
					r.Delete("/users/{username}", h.AdminDeleteUser)
					r.Post("/users/{username}/role", h.AdminSetRole)
					r.Post("/users/{username}/reset-password", h.AdminResetPassword)
					r.Post("/records/purge", h.AdminPurgeRecords)
					r.Post("/backup", h.AdminBackup)
				})
			})
		})
	})

	return r
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		util.WriteJSON(w, http.StatusBadRequest, util.APIError{Code: "invalid_input", Message: ve.Message, Field: ve.Field, RequestID: rid})
	case errors.Is(err, apperr.ErrTooManyAttempts):
		util.WriteError(w, http.StatusTooManyRequests, "too_many_attempts", "too many failed login attempts; try again later", rid)
	case errors.Is(err, apperr.ErrAuthentication):
		util.WriteError(w, http.StatusUnauthorized, "invalid_credentials", err.Error(), rid)
	case errors.Is(err, apperr.ErrSessionExpired):
		util.WriteError(w, http.StatusUnauthorized, "session_expired", "session expired", rid)
	case errors.Is(err, apperr.ErrNotAuthenticated):
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", rid)
	case errors.Is(err, apperr.ErrAccessDenied):
		util.WriteError(w, http.StatusForbidden, "forbidden", err.Error(), rid)
	case errors.Is(err, apperr.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "not_found", err.Error(), rid)
	default:
		log.Printf("request_failed path=%s request_id=%s err=%v", r.URL.Path, rid, err)
		util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error", rid)
	}
}

func badJSON(w http.ResponseWriter, r *http.Request) {
	util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
}

func currentSession(r *http.Request) *session.Session {
	s, _ := middleware.Session(r.Context())
	return s
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		util.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	util.WriteJSON(w, 200, map[string]any{"status": "ready", "checked_at": time.Now().UTC().Format(time.RFC3339)})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	sess, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) && !errors.Is(err, apperr.ErrTooManyAttempts) {
			util.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password", middleware.RequestID(r.Context()))
			return
		}
		writeServiceError(w, r, err)
		return
	}
	token, err := h.sessions.Put(sess)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	csrfToken := util.RandomToken()
	h.setAuthCookies(w, token, csrfToken)
	util.WriteJSON(w, 200, map[string]any{"token": token, "csrf_token": csrfToken, "session": sess.Snapshot()})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerOrCookie(r, h.cfg.SessionCookieName)
	if sess, ok := h.sessions.Get(token); ok {
		h.svc.Logout(r.Context(), sess)
		h.sessions.Delete(token)
	}
	h.clearAuthCookies(w)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Me(r.Context(), currentSession(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, snap)
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	if err := h.svc.ChangeOwnPassword(r.Context(), currentSession(r), req.OldPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

type recordView struct {
	Index int `json:"index"`
	models.CycleRecord
}

func parseDateParam(field, v string) (models.Date, error) {
	if strings.TrimSpace(v) == "" {
		return models.Date{}, nil
	}
	d, err := models.ParseDate(v)
	if err != nil {
		return models.Date{}, apperr.Invalid(field, err.Error())
	}
	return d, nil
}

func recordQuery(r *http.Request) (store.Query, error) {
	q := r.URL.Query()
	out := store.Query{Model: strings.TrimSpace(q.Get("model")), Station: strings.TrimSpace(q.Get("station"))}
	var err error
	if out.Date, err = parseDateParam("date", q.Get("date")); err != nil {
		return out, err
	}
	if out.From, err = parseDateParam("from", q.Get("from")); err != nil {
		return out, err
	}
	if out.To, err = parseDateParam("to", q.Get("to")); err != nil {
		return out, err
	}
	return out, nil
}

func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q, err := recordQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	entries, err := h.svc.ListRecords(r.Context(), currentSession(r), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]recordView, 0, len(entries))
	for _, e := range entries {
		items = append(items, recordView{Index: e.Index, CycleRecord: e.Record})
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "total": len(items)})
}

func (h *Handlers) RecordFacets(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.RecordFacets(r.Context(), currentSession(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, f)
}

type stationRow struct {
	Station string `json:"station"`
	R1      string `json:"r1"`
	R2      string `json:"r2"`
	R3      string `json:"r3"`
	Output  string `json:"output"`
}

func (h *Handlers) CreateRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date  string       `json:"date"`
		Model string       `json:"model"`
		Rows  []stationRow `json:"rows"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	d, err := parseDateParam("date", req.Date)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rows := make([]store.RecordInput, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, store.RecordInput{
			Date: d, Model: req.Model, Station: row.Station,
			R1: row.R1, R2: row.R2, R3: row.R3, Output: row.Output,
		})
	}
	n, err := h.svc.CreateRecords(r.Context(), currentSession(r), rows...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]int{"created": n})
}

func indexParam(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, apperr.Invalid("index", "index must be an integer")
	}
	return i, nil
}

func (h *Handlers) EditRecord(w http.ResponseWriter, r *http.Request) {
	idx, err := indexParam(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req struct {
		Date    *string `json:"date"`
		Model   *string `json:"model"`
		Station *string `json:"station"`
		R1      *string `json:"r1"`
		R2      *string `json:"r2"`
		R3      *string `json:"r3"`
		Output  *string `json:"output"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	patch := store.RecordPatch{Model: req.Model, Station: req.Station, R1: req.R1, R2: req.R2, R3: req.R3, Output: req.Output}
	if req.Date != nil {
		d, err := models.ParseDate(*req.Date)
		if err != nil {
			writeServiceError(w, r, apperr.Invalid("date", err.Error()))
			return
		}
		patch.Date = &d
	}
	rec, err := h.svc.EditRecord(r.Context(), currentSession(r), idx, patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, recordView{Index: idx, CycleRecord: rec})
}

func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	idx, err := indexParam(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rec, err := h.svc.DeleteRecord(r.Context(), currentSession(r), idx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, recordView{Index: idx, CycleRecord: rec})
}

// UPHReport takes model, from, to and target from the query. Per-station
// unit counts are passed as output.<station>=<n>.
func (h *Handlers) UPHReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := metrics.ReportInput{Model: q.Get("model"), Target: -1, Outputs: map[string]int{}}
	var err error
	if in.From, err = parseDateParam("from", q.Get("from")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if in.To, err = parseDateParam("to", q.Get("to")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if v := strings.TrimSpace(q.Get("target")); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 {
			writeServiceError(w, r, apperr.Invalid("target", "target must be a non-negative number"))
			return
		}
		in.Target = t
	}
	for k, vals := range q {
		station, ok := strings.CutPrefix(k, "output.")
		if !ok || len(vals) == 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(vals[0]))
		if err != nil || n < 1 {
			writeServiceError(w, r, apperr.Invalid(k, "output must be a positive integer"))
			return
		}
		in.Outputs[station] = n
	}
	rep, err := h.svc.UPHReport(r.Context(), currentSession(r), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, rep)
}

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context(), currentSession(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": users, "total": len(users)})
}

func (h *Handlers) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
		FullName string `json:"full_name"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	if strings.TrimSpace(req.Role) == "" {
		req.Role = string(models.RoleMember)
	}
	u, err := h.svc.CreateUser(r.Context(), currentSession(r), req.Username, req.Password, req.Role, req.FullName)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, u)
}

func (h *Handlers) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteUser(r.Context(), currentSession(r), chi.URLParam(r, "username")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (h *Handlers) AdminSetRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role    string `json:"role"`
		Confirm bool   `json:"confirm"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	u, err := h.svc.SetRole(r.Context(), currentSession(r), chi.URLParam(r, "username"), req.Role, req.Confirm)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, u)
}

func (h *Handlers) AdminResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"new_password"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	if err := h.svc.ResetUserPassword(r.Context(), currentSession(r), chi.URLParam(r, "username"), req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.RecentAudit(r.Context(), currentSession(r), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": events, "total": len(events)})
}

func (h *Handlers) AdminAuditStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.AuditStats(r.Context(), currentSession(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, st)
}

func (h *Handlers) AdminPurgeRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cutoff string `json:"cutoff"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		badJSON(w, r)
		return
	}
	cutoff, err := parseDateParam("cutoff", req.Cutoff)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	n, err := h.svc.PurgeRecords(r.Context(), currentSession(r), cutoff)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]int{"deleted": n})
}

func (h *Handlers) AdminBackup(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.Backup(r.Context(), currentSession(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"path": path})
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, sessionToken, csrfToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter) {
	expiredAt := time.Unix(1, 0).UTC()
	for _, c := range []struct {
		name     string
		httpOnly bool
	}{{h.cfg.SessionCookieName, true}, {h.cfg.CSRFCookieName, false}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     "/",
			HttpOnly: c.httpOnly,
			Secure:   h.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
			Expires:  expiredAt,
		})
	}
}
