package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/logutil"
	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/terminal"
)

const (
	minCommandTimeoutMS = 500
	maxCommandTimeoutMS = 120000
	maxCommandRetries   = 10
)

type selectorRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s selectorRequest) selector() devicepool.Selector {
	return devicepool.Selector{ID: s.ID, Name: s.Name, Host: s.Host, Port: s.Port}
}

type execRequest struct {
	Path      string          `json:"path"`
	Args      []string        `json:"args"`
	Selector  selectorRequest `json:"selector"`
	TimeoutMS int             `json:"timeout_ms"`
	Retries   int             `json:"retries"`
}

func validTimeout(ms int) bool {
	return ms == 0 || (ms >= minCommandTimeoutMS && ms <= maxCommandTimeoutMS)
}

// sendCommand runs one command for the request's tenant. A timeout bounds both the attempt
// and the caller's wait.
func (s *Server) sendCommand(r *http.Request, path string, args []string, sel devicepool.Selector, timeoutMS, retries int) ([]devicepool.Row, error) {
	ctx := r.Context()
	opts := devicepool.CommandOptions{
		TenantID: middleware.GetTenant(r),
		Selector: sel,
		Retries:  retries,
	}
	if timeoutMS > 0 {
		opts.Timeout = time.Duration(timeoutMS) * time.Millisecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return s.Pool.SendCommand(ctx, path, args, opts)
}

// ExecCommand runs one RouterOS API command for the tenant.
func (s *Server) ExecCommand(w http.ResponseWriter, r *http.Request) {
	var body execRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	body.Path = strings.TrimSpace(body.Path)
	if !strings.HasPrefix(body.Path, "/") || len(body.Path) > 256 {
		writeError(w, http.StatusBadRequest, "path must be a RouterOS command path like /system/identity/print")
		return
	}
	if !validTimeout(body.TimeoutMS) {
		writeError(w, http.StatusBadRequest, "Invalid timeout_ms")
		return
	}
	if body.Retries < 0 || body.Retries > maxCommandRetries {
		writeError(w, http.StatusBadRequest, "Invalid retries")
		return
	}

	rows, err := s.sendCommand(r, body.Path, body.Args, body.Selector.selector(), body.TimeoutMS, body.Retries)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": rows})
}

type reconnectRequest struct {
	Selector selectorRequest `json:"selector"`
}

// Reconnect re-reads the router configuration and opens a fresh session, for use after
// credentials change.
func (s *Server) Reconnect(w http.ResponseWriter, r *http.Request) {
	var body reconnectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payload")
			return
		}
	}
	if err := s.Pool.ForceReconnect(r.Context(), middleware.GetTenant(r), body.Selector.selector()); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TenantStatus lists pool entries belonging to the request's tenant.
func (s *Server) TenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r)
	out := []devicepool.Status{}
	for _, st := range s.Pool.GetStatus() {
		if st.TenantID == tenant {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// PoolStatus lists every pool entry. Admin endpoint.
func (s *Server) PoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Pool.GetStatus())
}

type terminalRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout_ms"`
	ServerID  string `json:"server_id"`
}

// TerminalExec runs one read-only CLI line from the operator terminal.
func (s *Server) TerminalExec(w http.ResponseWriter, r *http.Request) {
	var body terminalRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if body.Command == "" || len(body.Command) > 512 {
		writeError(w, http.StatusBadRequest, "command must be 1-512 characters")
		return
	}
	if body.TimeoutMS == 0 {
		body.TimeoutMS = 10000
	}
	if body.TimeoutMS < minCommandTimeoutMS || body.TimeoutMS > 60000 {
		writeError(w, http.StatusBadRequest, "Invalid timeout_ms")
		return
	}

	cmd, err := s.policy().Check(body.Command)
	if errors.Is(err, terminal.ErrNotAllowed) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	serverID := body.ServerID
	if serverID == "" {
		serverID = r.Header.Get("X-Router-ID")
	}
	tenant := middleware.GetTenant(r)
	log.Printf("Terminal exec for tenant %s: %s", logutil.SanitizeForLog(tenant),
		logutil.SanitizeForLog(terminal.Redact(body.Command)))

	rows, err := s.sendCommand(r, cmd.Path, cmd.Words, devicepool.Selector{ID: serverID}, body.TimeoutMS, 0)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"path":   cmd.Path,
		"words":  cmd.Words,
		"result": rows,
	})
}
