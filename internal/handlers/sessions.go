package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/portsidehq/portside/internal/authtoken"
	"github.com/portsidehq/portside/internal/config"
	"github.com/portsidehq/portside/internal/logutil"
	"github.com/portsidehq/portside/internal/middleware"
	"github.com/portsidehq/portside/internal/relay"
	"github.com/portsidehq/portside/internal/remotefs"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
)

// Wired from main.go during startup.
var (
	Registry *session.Registry
	Relay    *relay.Relay
	Orch     *remotefs.Orchestrator
	Clip     *remotefs.Clipboard
	Hosts    map[string]config.HostProfile
)

type connectRequest struct {
	// HostID selects a profile from the hosts file. When empty, the inline
	// fields below are used instead.
	HostID string `json:"host_id,omitempty"`

	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	User          string `json:"user,omitempty"`
	Password      string `json:"password,omitempty"`
	KeyPath       string `json:"key_path,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
}

// hostConfigFrom resolves a connect request into a dialable host config.
func hostConfigFrom(req connectRequest) (transport.HostConfig, error) {
	profile := config.HostProfile{
		Host:          req.Host,
		Port:          req.Port,
		User:          req.User,
		Password:      req.Password,
		KeyPath:       req.KeyPath,
		KeyPassphrase: req.KeyPassphrase,
	}
	if req.HostID != "" {
		p, ok := Hosts[req.HostID]
		if !ok {
			return transport.HostConfig{}, fmt.Errorf("unknown host profile %q", req.HostID)
		}
		profile = p
	}
	if profile.Port == 0 {
		profile.Port = 22
	}

	cfg := transport.HostConfig{
		Host:          profile.Host,
		Port:          profile.Port,
		User:          profile.User,
		Password:      profile.Password,
		KeyPassphrase: profile.KeyPassphrase,
	}
	if profile.KeyPath != "" {
		pem, err := os.ReadFile(profile.KeyPath)
		if err != nil {
			return transport.HostConfig{}, err
		}
		cfg.PrivateKeyPEM = pem
	}
	return cfg, nil
}

func connectResponse(w http.ResponseWriter, sessionID string) {
	token, err := authtoken.Mint(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mint attach token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":   sessionID,
		"status":       Registry.Status(sessionID).String(),
		"attach_token": token,
	})
}

// ConnectSession establishes (or reuses) the connection for a session ID.
// An already-connected session is left untouched and its current state is
// returned.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg, err := hostConfigFrom(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown host profile or unreadable key")
		return
	}

	if _, err := Registry.Ensure(r.Context(), id, cfg); err != nil {
		log.Printf("[handlers] connect %s failed: %v", logutil.SanitizeForLog(id), err)
		writeOpError(w, err)
		return
	}
	connectResponse(w, id)
}

// ReconnectSession tears down whatever connection the session has and dials
// a fresh one. This is the only path that replaces a live connection.
func ReconnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg, err := hostConfigFrom(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown host profile or unreadable key")
		return
	}

	if _, err := Registry.Reconnect(r.Context(), id, cfg); err != nil {
		log.Printf("[handlers] reconnect %s failed: %v", logutil.SanitizeForLog(id), err)
		writeOpError(w, err)
		return
	}
	connectResponse(w, id)
}

// AttachSession mints a fresh attach token for an existing session so a new
// tab can open the stream without re-sending credentials. The verified
// token, not the route, names the session the new token is minted for.
func AttachSession(w http.ResponseWriter, r *http.Request) {
	id := middleware.TokenSessionID(r)
	if _, err := Registry.Lookup(id); err != nil {
		writeOpError(w, err)
		return
	}
	connectResponse(w, id)
}

// DisconnectSession closes the session's connection. Disconnecting a
// session that has no connection is a no-op, not an error. With
// ?forget=true the session's tracked history is dropped too, for tabs
// closed for good.
func DisconnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("forget") == "true" {
		Registry.Forget(id)
	} else {
		Registry.Disconnect(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// SessionStatus reports the session's connection state plus its recent
// transition and event history.
func SessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"status":      Registry.Status(id).String(),
		"transitions": Registry.Transitions(id),
		"events":      Registry.Events(id),
	})
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ResizeSession updates the remote terminal dimensions. A resize for a
// session with no live shell is accepted and ignored.
func ResizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, "Dimensions must be positive")
		return
	}
	if err := Registry.Resize(id, req.Rows, req.Cols); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

// ListSessions returns the IDs and states of all sessions the registry holds.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	ids := Registry.SessionIDs()
	sort.Strings(ids)

	type sessionInfo struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	out := make([]sessionInfo, len(ids))
	for i, id := range ids {
		out[i] = sessionInfo{ID: id, Status: Registry.Status(id).String()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// ListHosts returns the configured host profiles without credentials.
func ListHosts(w http.ResponseWriter, r *http.Request) {
	type hostInfo struct {
		ID   string `json:"id"`
		Host string `json:"host"`
		Port int    `json:"port"`
		User string `json:"user"`
	}
	out := make([]hostInfo, 0, len(Hosts))
	for id, p := range Hosts {
		out = append(out, hostInfo{ID: id, Host: p.Host, Port: p.Port, User: p.User})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": out})
}
