package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/portsidehq/portside/internal/config"
	"github.com/portsidehq/portside/internal/database"
	"github.com/portsidehq/portside/internal/remotefs"
)

// maxInlineFileSize caps file content accepted or served inline over the
// API.
const maxInlineFileSize = 32 * 1024 * 1024

// ListFiles returns the directory listing for the dir query parameter.
func ListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		dir = "/"
	}

	entries, err := Orch.List(r.Context(), id, dir)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dir":     dir,
		"entries": entries,
	})
}

// FileContent streams a remote file's bytes to the client.
func FileContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}

	data, err := Orch.ReadFile(r.Context(), id, filePath)
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// PutFileContent replaces a remote file's contents with the request body.
func PutFileContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxInlineFileSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(data) > maxInlineFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	if err := Orch.WriteFile(r.Context(), id, filePath, data); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

type mkdirRequest struct {
	Path string `json:"path"`
}

// MakeDirectory creates a remote directory.
func MakeDirectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req mkdirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Orch.Mkdir(r.Context(), id, req.Path); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

type deleteRequest struct {
	Items []remotefs.Item `json:"items"`
}

// DeleteFiles removes the listed items sequentially, stopping at the first
// failure. The response always carries the batch result so the client can
// show which items were completed, which failed, and which went
// unattempted.
func DeleteFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := Orch.BatchDelete(r.Context(), id, req.Items)
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

type chmodRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// ChmodFile sets permission bits, given in octal, on a remote path.
func ChmodFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req chmodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mode, err := strconv.ParseUint(req.Mode, 8, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Mode must be octal, e.g. 0644")
		return
	}
	if err := Orch.Chmod(r.Context(), id, req.Path, uint32(mode)); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MoveFile renames a remote path.
func MoveFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Orch.Move(r.Context(), id, req.From, req.To); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

// CopyFile copies a remote path. A copy onto itself gets a synthesized
// destination name; the response reports the destination actually used.
func CopyFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	dest, err := Orch.Copy(r.Context(), id, req.From, req.To)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "copied", "destination": dest})
}

type archiveRequest struct {
	Dir         string          `json:"dir"`
	ArchiveName string          `json:"archive_name"`
	Items       []remotefs.Item `json:"items"`
}

func operationResponse(op *remotefs.PendingOperation) map[string]interface{} {
	return map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"state":        op.State(),
		"missing_tool": op.MissingTool(),
		"target":       op.Target,
	}
}

// CreateArchive starts building an archive and returns the pending
// operation. Clients poll the operation endpoint (or wait on the returned
// state) to learn whether a remote tool needs installing first.
func CreateArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dir == "" || req.ArchiveName == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	op, err := Orch.ArchiveCreate(r.Context(), id, req.Dir, req.ArchiveName, req.Items)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse(op))
}

type extractRequest struct {
	ArchivePath string `json:"archive_path"`
	DestDir     string `json:"dest_dir"`
}

// ExtractArchive starts extracting an archive into a directory.
func ExtractArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArchivePath == "" || req.DestDir == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	op, err := Orch.ArchiveExtract(r.Context(), id, req.ArchivePath, req.DestDir)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse(op))
}

// GetOperation reports a pending operation's state and progress log.
func GetOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")
	op, ok := Orch.Operation(opID)
	if !ok {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}
	resp := operationResponse(op)
	resp["log"] = op.Log()
	if err := op.Err(); err != nil {
		kind, _ := classifyError(err)
		resp["error"] = err.Error()
		resp["error_kind"] = kind
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	Installed bool `json:"installed"`
}

// ResolveOperation answers a pending operation's missing-tool prompt.
func ResolveOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Orch.ResolveDependency(opID, req.Installed); err != nil {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type downloadRequest struct {
	Items []remotefs.Item `json:"items"`
}

// DownloadFiles fetches the listed remote files into the server's staging
// directory. Directories are rejected before any transfer starts.
func DownloadFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stagingDir := filepath.Join(config.Cfg.DataPath, "downloads", id)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create staging directory")
		return
	}
	used := make(map[string]bool)
	transfers := make([]remotefs.TransferItem, len(req.Items))
	for i, it := range req.Items {
		transfers[i] = remotefs.TransferItem{
			RemotePath: it.Path,
			// Staged under the server's data directory; the item name is
			// flattened to its base so a crafted path cannot escape it.
			LocalPath: filepath.Join(stagingDir, stagingName(it.Name, used)),
			Name:      it.Name,
			IsDir:     it.IsDir,
		}
	}

	res, err := Orch.DownloadBatch(r.Context(), id, transfers)
	if err != nil {
		kind, status := classifyError(err)
		writeJSON(w, status, map[string]interface{}{
			"detail": err.Error(),
			"kind":   kind,
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":      res,
		"staging_dir": stagingDir,
	})
}

// UploadFiles accepts multipart form files and transfers them into the
// remote directory named by the dir form field. Parts are staged under the
// server's data directory first so a mid-upload disconnect cannot leave a
// half-written remote file without a local copy to retry from.
func UploadFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(maxInlineFileSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	dir := r.FormValue("dir")
	if dir == "" {
		writeError(w, http.StatusBadRequest, "dir form field required")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No files in request")
		return
	}

	stagingDir := filepath.Join(config.Cfg.DataPath, "uploads", id)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create staging directory")
		return
	}

	used := make(map[string]bool)
	var transfers []remotefs.TransferItem
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		local := filepath.Join(stagingDir, stagingName(name, used))

		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
			return
		}
		dst, err := os.Create(local)
		if err != nil {
			src.Close()
			writeError(w, http.StatusInternalServerError, "Failed to stage uploaded file")
			return
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to stage uploaded file")
			return
		}

		transfers = append(transfers, remotefs.TransferItem{
			RemotePath: path.Join(dir, name),
			LocalPath:  local,
			Name:       name,
		})
	}

	res, err := Orch.UploadBatch(r.Context(), id, transfers)
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

// stagingName flattens a remote name to a base name unique within one
// batch's staging directory, so items that share a base name cannot
// overwrite each other.
func stagingName(name string, used map[string]bool) string {
	base := filepath.Base(name)
	candidate := base
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%d_%s", n, base)
	}
	used[candidate] = true
	return candidate
}

// RecentOperationRecords returns the session's audit trail, newest first.
func RecentOperationRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := database.RecentOperations(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load operation records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": recs})
}
