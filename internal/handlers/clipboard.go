package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/portsidehq/portside/internal/remotefs"
)

type clipboardSetRequest struct {
	Items []remotefs.ClipboardItem `json:"items"`
}

// ClipboardCopy stages items for copying. The clipboard holds one entry;
// staging replaces whatever was there.
func ClipboardCopy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req clipboardSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	Clip.SetCopy(id, req.Items)
	writeJSON(w, http.StatusOK, map[string]string{"status": "staged"})
}

// ClipboardCut stages items for moving.
func ClipboardCut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req clipboardSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	Clip.SetCut(id, req.Items)
	writeJSON(w, http.StatusOK, map[string]string{"status": "staged"})
}

type pasteRequest struct {
	Dir string `json:"dir"`
}

// ClipboardPaste applies the staged entry into a directory on this session.
// A paste into a different session than the entry's source fails without
// touching either filesystem.
func ClipboardPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pasteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dir == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := Clip.Paste(r.Context(), id, req.Dir)
	if err != nil {
		kind, status := classifyError(err)
		writeJSON(w, status, map[string]interface{}{
			"detail": err.Error(),
			"kind":   kind,
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

// ClipboardStatus returns the staged entry, if any, without credentials or
// file contents.
func ClipboardStatus(w http.ResponseWriter, r *http.Request) {
	entry := Clip.Current()
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry})
}

// ClipboardClear empties the clipboard.
func ClipboardClear(w http.ResponseWriter, r *http.Request) {
	Clip.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
