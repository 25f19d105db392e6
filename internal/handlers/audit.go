package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/routeraudit"
)

// GetAudit returns the tenant's router audit records, newest first.
//
// Query parameters:
//
//	host   - filter by router host
//	kind   - routeros.exec or routeros.connect
//	ok     - true or false
//	since  - RFC3339 timestamp, only entries after this time
//	until  - RFC3339 timestamp, only entries before this time
//	limit  - max entries to return (default 50, max 500)
//	offset - pagination offset
func (s *Server) GetAudit(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := routeraudit.QueryOptions{
		TenantID: middleware.GetTenant(r),
		Host:     q.Get("host"),
		Kind:     q.Get("kind"),
	}

	if v := q.Get("ok"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid ok filter")
			return
		}
		opts.OK = &ok
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := s.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeAudit removes audit records older than the given age. Admin endpoint.
//
// Query parameters:
//
//	older_than - Go duration such as 720h (uses configured retention if omitted)
func (s *Server) PurgeAudit(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	var age time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		age = d
	}

	deleted, err := s.Auditor.PurgeOlderThan(age)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
