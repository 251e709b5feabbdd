package remotefs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/portsidehq/portside/internal/logutil"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
)

// Item identifies one remote entry targeted by a batch operation.
type Item struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// TransferItem pairs a remote path with a caller-supplied local path for
// bulk transfer.
type TransferItem struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Name       string `json:"name"`
	IsDir      bool   `json:"is_dir"`
}

// BatchResult reports the outcome of a sequential batch. Partial completion
// is expected: completed items stay completed, and the caller must refresh
// the listing rather than assume anything about remote state.
type BatchResult struct {
	Completed   []string `json:"completed"`
	Failed      string   `json:"failed,omitempty"`
	Unattempted []string `json:"unattempted,omitempty"`
	Cancelled   bool     `json:"cancelled,omitempty"`
}

// RefreshFunc is invoked with each directory whose listing may have changed.
// Fired on success and on failure so the displayed state never silently
// diverges from the remote filesystem.
type RefreshFunc func(sessionID, dir string)

// Auditor records completed operations. Satisfied by the database package.
type Auditor interface {
	RecordOperation(sessionID, kind, target, outcome, detail string)
}

// Orchestrator sequences multi-step remote file operations against sessions
// held by the registry. Sessions are looked up by ID at the moment of use,
// never captured ahead of time, so callbacks always act on the latest
// session for that ID.
type Orchestrator struct {
	registry *session.Registry
	refresh  RefreshFunc
	audit    Auditor
	ops      *opTable
}

// NewOrchestrator creates an Orchestrator over the given registry.
func NewOrchestrator(reg *session.Registry) *Orchestrator {
	return &Orchestrator{registry: reg, ops: newOpTable()}
}

// SetRefreshFunc installs the listing refresh hook.
func (o *Orchestrator) SetRefreshFunc(fn RefreshFunc) { o.refresh = fn }

// SetAuditor installs the operation audit sink.
func (o *Orchestrator) SetAuditor(a Auditor) { o.audit = a }

// transportFor resolves the live session and its transport for an ID.
func (o *Orchestrator) transportFor(sessionID string) (*session.Session, transport.Transport, error) {
	s, err := o.registry.Lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.Transport()
	if err != nil {
		return nil, nil, err
	}
	return s, t, nil
}

func (o *Orchestrator) refreshDir(sessionID, dir string) {
	if o.refresh != nil {
		o.refresh(sessionID, dir)
	}
}

func (o *Orchestrator) record(sessionID, kind, target, outcome, detail string) {
	if o.audit != nil {
		o.audit.RecordOperation(sessionID, kind, target, outcome, detail)
	}
}

// List opens a file-transfer sub-session, reads the directory entries, and
// closes the sub-session. Fails with NotConnectedError if there is no live
// session, RemoteIOError otherwise.
func (o *Orchestrator) List(ctx context.Context, sessionID, dir string) ([]FileEntry, error) {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return nil, err
	}
	return listDir(ctx, t, dir)
}

// ReadFile returns a remote file's contents.
func (o *Orchestrator) ReadFile(ctx context.Context, sessionID, filePath string) ([]byte, error) {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return nil, err
	}
	return readFile(ctx, t, filePath)
}

// WriteFile replaces a remote file's contents and refreshes its directory.
func (o *Orchestrator) WriteFile(ctx context.Context, sessionID, filePath string, data []byte) error {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return err
	}
	err = writeFile(ctx, t, filePath, data)
	o.refreshDir(sessionID, path.Dir(filePath))
	if err != nil {
		o.record(sessionID, "write", filePath, "failed", err.Error())
		return err
	}
	o.record(sessionID, "write", filePath, "succeeded", fmt.Sprintf("%d bytes", len(data)))
	return nil
}

// Mkdir creates a remote directory and refreshes its parent.
func (o *Orchestrator) Mkdir(ctx context.Context, sessionID, dir string) error {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return err
	}
	err = mkdir(ctx, t, dir)
	o.refreshDir(sessionID, path.Dir(dir))
	return err
}

// Chmod sets permission bits on a remote path and refreshes its directory.
func (o *Orchestrator) Chmod(ctx context.Context, sessionID, target string, mode uint32) error {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return err
	}
	err = chmod(ctx, t, target, mode)
	o.refreshDir(sessionID, path.Dir(target))
	return err
}

// BatchDelete removes items sequentially, stopping at the first failure
// without rolling back. The result names the failing item and every item
// not attempted; already-deleted items stay deleted.
func (o *Orchestrator) BatchDelete(ctx context.Context, sessionID string, items []Item) (BatchResult, error) {
	var res BatchResult
	s, t, err := o.transportFor(sessionID)
	if err != nil {
		return res, err
	}

	dirs := make(map[string]bool)
	defer func() {
		for d := range dirs {
			o.refreshDir(sessionID, d)
		}
	}()

	var opErr error
	for i, it := range items {
		if stop := batchInterrupt(ctx, s); stop != nil {
			res.Unattempted = itemPaths(items[i:])
			opErr = stop
			break
		}
		dirs[path.Dir(it.Path)] = true
		if err := remove(ctx, t, it.Path, it.IsDir); err != nil {
			res.Failed = it.Path
			res.Unattempted = itemPaths(items[i+1:])
			opErr = fmt.Errorf("delete %s: %w", logutil.SanitizeForLog(it.Path), err)
			break
		}
		res.Completed = append(res.Completed, it.Path)
	}

	if opErr != nil {
		o.record(sessionID, "delete", strings.Join(itemPaths(items), ","), "failed", opErr.Error())
		return res, opErr
	}
	o.record(sessionID, "delete", strings.Join(itemPaths(items), ","), "succeeded", fmt.Sprintf("%d item(s)", len(items)))
	log.Printf("[remotefs] deleted %d item(s) on session %s", len(items), logutil.SanitizeForLog(sessionID))
	return res, nil
}

// Move renames a remote path and refreshes both directories involved.
func (o *Orchestrator) Move(ctx context.Context, sessionID, from, to string) error {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return err
	}
	err = rename(ctx, t, from, to)
	o.refreshDir(sessionID, path.Dir(from))
	o.refreshDir(sessionID, path.Dir(to))
	if err != nil {
		o.record(sessionID, "move", from, "failed", err.Error())
		return err
	}
	o.record(sessionID, "move", from, "succeeded", "to "+to)
	return nil
}

// Copy copies a remote path via a recursive-copy command. A copy whose
// destination equals its source (paste into the same directory) gets a
// synthesized non-colliding name instead of overwriting. Returns the
// destination actually used.
func (o *Orchestrator) Copy(ctx context.Context, sessionID, from, to string) (string, error) {
	_, t, err := o.transportFor(sessionID)
	if err != nil {
		return "", err
	}

	if to == from {
		dir := path.Dir(from)
		entries, err := listDir(ctx, t, dir)
		if err != nil {
			return "", fmt.Errorf("resolve copy destination: %w", err)
		}
		taken := make(map[string]bool, len(entries))
		for _, e := range entries {
			taken[e.Name] = true
		}
		to = path.Join(dir, nextCopyName(path.Base(from), taken))
	}

	err = copyRecursive(ctx, t, from, to)
	o.refreshDir(sessionID, path.Dir(to))
	if err != nil {
		o.record(sessionID, "copy", from, "failed", err.Error())
		return "", err
	}
	o.record(sessionID, "copy", from, "succeeded", "to "+to)
	return to, nil
}

// DownloadBatch transfers remote files to caller-supplied local paths,
// sequentially. Directories are not supported in batch mode and are
// rejected before any transfer starts. A context cancellation mid-batch is
// reported as a non-error cancelled outcome.
func (o *Orchestrator) DownloadBatch(ctx context.Context, sessionID string, items []TransferItem) (BatchResult, error) {
	var res BatchResult
	for _, it := range items {
		if it.IsDir {
			return res, &UnsupportedOperationError{Op: "download", Reason: fmt.Sprintf("%q is a directory; batch download is files only", it.Name)}
		}
	}

	s, t, err := o.transportFor(sessionID)
	if err != nil {
		return res, err
	}

	for i, it := range items {
		if stop := batchInterrupt(ctx, s); stop != nil {
			res.Unattempted = transferPaths(items[i:])
			if ctx.Err() != nil {
				// User-cancelled transfer is a non-error outcome.
				res.Cancelled = true
				o.record(sessionID, "download", it.RemotePath, "cancelled", "")
				return res, nil
			}
			return res, stop
		}
		data, err := readFile(ctx, t, it.RemotePath)
		if err != nil {
			res.Failed = it.RemotePath
			res.Unattempted = transferPaths(items[i+1:])
			o.record(sessionID, "download", it.RemotePath, "failed", err.Error())
			return res, fmt.Errorf("download %s: %w", logutil.SanitizeForLog(it.RemotePath), err)
		}
		if err := os.WriteFile(it.LocalPath, data, 0644); err != nil {
			res.Failed = it.RemotePath
			res.Unattempted = transferPaths(items[i+1:])
			return res, fmt.Errorf("write local file %s: %w", it.LocalPath, err)
		}
		res.Completed = append(res.Completed, it.RemotePath)
	}
	o.record(sessionID, "download", strings.Join(transferPaths(items), ","), "succeeded", fmt.Sprintf("%d file(s)", len(items)))
	return res, nil
}

// UploadBatch transfers local files to remote paths, sequentially, and
// refreshes each affected directory.
func (o *Orchestrator) UploadBatch(ctx context.Context, sessionID string, items []TransferItem) (BatchResult, error) {
	var res BatchResult
	s, t, err := o.transportFor(sessionID)
	if err != nil {
		return res, err
	}

	dirs := make(map[string]bool)
	defer func() {
		for d := range dirs {
			o.refreshDir(sessionID, d)
		}
	}()

	for i, it := range items {
		if stop := batchInterrupt(ctx, s); stop != nil {
			res.Unattempted = transferPaths(items[i:])
			if ctx.Err() != nil {
				res.Cancelled = true
				return res, nil
			}
			return res, stop
		}
		f, err := os.Open(it.LocalPath)
		if err != nil {
			res.Failed = it.RemotePath
			res.Unattempted = transferPaths(items[i+1:])
			return res, fmt.Errorf("open local file %s: %w", it.LocalPath, err)
		}
		uploadErr := t.ExecInput(ctx, fmt.Sprintf("cat > %s", shellQuote(it.RemotePath)), f)
		f.Close()
		dirs[path.Dir(it.RemotePath)] = true
		if uploadErr != nil {
			res.Failed = it.RemotePath
			res.Unattempted = transferPaths(items[i+1:])
			o.record(sessionID, "upload", it.RemotePath, "failed", uploadErr.Error())
			return res, fmt.Errorf("upload %s: %w", logutil.SanitizeForLog(it.RemotePath), uploadErr)
		}
		res.Completed = append(res.Completed, it.RemotePath)
	}
	o.record(sessionID, "upload", strings.Join(transferPaths(items), ","), "succeeded", fmt.Sprintf("%d file(s)", len(items)))
	return res, nil
}

// batchInterrupt reports why a batch must stop before its next item:
// context cancellation or session teardown. Items not yet attempted fail
// with SessionClosedError on teardown.
func batchInterrupt(ctx context.Context, s *session.Session) error {
	select {
	case <-s.Done():
		return &session.SessionClosedError{SessionID: s.ID}
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func itemPaths(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Path
	}
	return out
}

func transferPaths(items []TransferItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.RemotePath
	}
	return out
}

// nextCopyName synthesizes a non-colliding destination name by inserting a
// suffix before the extension, or at the end for extension-less names.
// "report.txt" becomes "report copy.txt", then "report copy 2.txt".
func nextCopyName(name string, taken map[string]bool) string {
	stem, ext := splitExt(name)
	candidate := stem + " copy" + ext
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s copy %d%s", stem, n, ext)
	}
	return candidate
}

// splitExt splits a file name at its last dot. Dotfiles and extension-less
// names keep the whole name as the stem.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
