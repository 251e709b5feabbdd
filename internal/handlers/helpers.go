package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/portsidehq/portside/internal/remotefs"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeOpError maps a typed operation error onto an HTTP status and a
// stable machine-readable kind so clients can branch without parsing
// message text.
func writeOpError(w http.ResponseWriter, err error) {
	kind, status := classifyError(err)
	writeJSON(w, status, map[string]string{
		"detail": err.Error(),
		"kind":   kind,
	})
}

func classifyError(err error) (string, int) {
	switch {
	case errors.As(err, new(*transport.AuthenticationError)):
		return "authentication", http.StatusUnauthorized
	case errors.As(err, new(*transport.UnreachableError)):
		return "unreachable", http.StatusBadGateway
	case errors.As(err, new(*transport.ProtocolError)):
		return "protocol", http.StatusBadGateway
	case errors.As(err, new(*session.NotConnectedError)):
		return "not_connected", http.StatusConflict
	case errors.As(err, new(*session.SessionClosedError)):
		return "session_closed", http.StatusGone
	case errors.As(err, new(*remotefs.MissingDependencyError)):
		return "missing_dependency", http.StatusFailedDependency
	case errors.As(err, new(*remotefs.CrossSessionPasteUnsupportedError)):
		return "cross_session_paste", http.StatusBadRequest
	case errors.As(err, new(*remotefs.UnsupportedOperationError)):
		return "unsupported_operation", http.StatusBadRequest
	case errors.As(err, new(*remotefs.RemoteIOError)):
		return "remote_io", http.StatusBadGateway
	default:
		return "internal", http.StatusInternalServerError
	}
}
