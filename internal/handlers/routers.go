package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ispbill/routerd/internal/crypto"
	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/logutil"
	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/routerstore"
)

const (
	verifyMinTimeout = 5 * time.Second
	verifyMaxTimeout = 20 * time.Second
)

type routerResponse struct {
	ID             uint       `json:"id"`
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	Password       string     `json:"password"`
	TLS            bool       `json:"tls"`
	Primary        bool       `json:"primary"`
	TimeoutMS      int        `json:"timeout_ms"`
	LastVerifiedAt *time.Time `json:"last_verified_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *Server) routerToResponse(rc *database.RouterConnection) routerResponse {
	masked := ""
	if cfg, err := s.Store.DeviceConfig(rc); err == nil {
		masked = crypto.Mask(cfg.Password)
	}
	return routerResponse{
		ID:             rc.ID,
		Name:           rc.Name,
		Host:           rc.Host,
		Port:           rc.Port,
		Username:       rc.Username,
		Password:       masked,
		TLS:            rc.TLS,
		Primary:        rc.IsPrimary,
		TimeoutMS:      rc.TimeoutMS,
		LastVerifiedAt: rc.LastVerifiedAt,
		UpdatedAt:      rc.UpdatedAt,
	}
}

func (s *Server) ListRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := s.Store.List(r.Context(), middleware.GetTenant(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list routers")
		return
	}
	out := make([]routerResponse, 0, len(routers))
	for i := range routers {
		out = append(out, s.routerToResponse(&routers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type upsertRouterRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"password"`
	TLS       bool   `json:"tls"`
	Primary   bool   `json:"primary"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (b *upsertRouterRequest) validate() string {
	switch {
	case len(b.Host) < 3 || len(b.Host) > 256:
		return "host must be 3-256 characters"
	case b.User == "" || len(b.User) > 128:
		return "user must be 1-128 characters"
	case b.Password == "" || len(b.Password) > 512:
		return "password must be 1-512 characters"
	case len(b.Name) > 128:
		return "name must be at most 128 characters"
	case b.Port < 0 || b.Port > 65535:
		return "invalid port"
	case b.TimeoutMS != 0 && (b.TimeoutMS < 1000 || b.TimeoutMS > 60000):
		return "timeout_ms must be between 1000 and 60000"
	}
	return ""
}

// UpsertRouter stores a router and verifies it with an identity print. A failed
// verification is reported in the body, not as an error status.
func (s *Server) UpsertRouter(w http.ResponseWriter, r *http.Request) {
	var body upsertRouterRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	tenant := middleware.GetTenant(r)
	rc, err := s.Store.Upsert(r.Context(), routerstore.Router{
		TenantID:  tenant,
		Name:      body.Name,
		Host:      body.Host,
		Port:      body.Port,
		Username:  body.User,
		Password:  body.Password,
		TLS:       body.TLS,
		Primary:   body.Primary,
		TimeoutMS: body.TimeoutMS,
	})
	if err != nil {
		log.Printf("Failed to save router for tenant %s: %v", logutil.SanitizeForLog(tenant), err)
		writeError(w, http.StatusInternalServerError, "Failed to save router")
		return
	}

	identity, reason := s.verifyRouter(r.Context(), tenant, rc)
	if reason == "" {
		now := time.Now()
		if err := s.Store.MarkVerified(r.Context(), rc.ID, now); err != nil {
			log.Printf("Failed to mark router %d verified: %v", rc.ID, err)
		} else {
			rc.LastVerifiedAt = &now
		}
	}

	resp := map[string]interface{}{
		"ok":       true,
		"router":   s.routerToResponse(rc),
		"verified": reason == "",
		"identity": nil,
		"reason":   nil,
	}
	if identity != "" {
		resp["identity"] = identity
	}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyRouter reconnects with the stored credentials and reads the router identity. It
// returns a reason of "auth", "connect", "no-identity" or "other" on failure.
func (s *Server) verifyRouter(ctx context.Context, tenant string, rc *database.RouterConnection) (string, string) {
	timeout := time.Duration(rc.TimeoutMS) * time.Millisecond
	timeout = max(verifyMinTimeout, min(timeout, verifyMaxTimeout))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sel := devicepool.Selector{ID: strconv.FormatUint(uint64(rc.ID), 10)}
	err := s.Pool.ForceReconnect(ctx, tenant, sel)
	var rows []devicepool.Row
	if err == nil {
		rows, err = s.Pool.SendCommand(ctx, "/system/identity/print", nil, devicepool.CommandOptions{
			TenantID: tenant,
			Selector: sel,
			Timeout:  timeout,
			Retries:  1,
		})
	}
	switch {
	case err == nil && len(rows) > 0 && rows[0]["name"] != "":
		return rows[0]["name"], ""
	case err == nil:
		return "", "no-identity"
	case errors.Is(err, devicepool.ErrAuthFailure):
		return "", "auth"
	case errors.Is(err, devicepool.ErrConnectTimeout),
		errors.Is(err, devicepool.ErrCommandTimeout),
		errors.Is(err, devicepool.ErrTransient):
		return "", "connect"
	default:
		log.Printf("Router %d verification failed: %v", rc.ID, err)
		return "", "other"
	}
}

func (s *Server) DeleteRouter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid router ID")
		return
	}
	tenant := middleware.GetTenant(r)
	err = s.Store.Delete(r.Context(), tenant, uint(id))
	if errors.Is(err, routerstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Router not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete router")
		return
	}
	s.Pool.ForgetRoutes(tenant)
	w.WriteHeader(http.StatusNoContent)
}
