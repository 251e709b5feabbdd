package handlers

import (
	"net/http"
	"strconv"

	"github.com/portsidehq/portside/internal/logging"
)

// ServerLogs returns the tail of the service's own log file.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if lines <= 0 || lines > 5000 {
		lines = 500
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearServerLogs truncates the service's log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
