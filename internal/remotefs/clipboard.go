package remotefs

import (
	"context"
	"log"
	"path"
	"sync"

	"github.com/portsidehq/portside/internal/logutil"
)

// ClipboardOp distinguishes copy from cut semantics.
type ClipboardOp string

const (
	ClipCopy ClipboardOp = "copy"
	ClipCut  ClipboardOp = "cut"
)

// ClipboardItem is one entry staged on the clipboard.
type ClipboardItem struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// ClipboardEntry is the staged operation. The clipboard holds at most one;
// setting a new entry replaces the previous one unconditionally.
type ClipboardEntry struct {
	Op              ClipboardOp     `json:"op"`
	SourceSessionID string          `json:"source_session_id"`
	Items           []ClipboardItem `json:"items"`
}

// Clipboard is the process-wide staging area for copy/cut-then-paste.
// Paste is restricted to the session the entry came from.
type Clipboard struct {
	mu    sync.Mutex
	entry *ClipboardEntry
	orch  *Orchestrator
}

// NewClipboard creates a Clipboard over the orchestrator.
func NewClipboard(orch *Orchestrator) *Clipboard {
	return &Clipboard{orch: orch}
}

// SetCopy stages items for copying, replacing any previous entry.
func (c *Clipboard) SetCopy(sessionID string, items []ClipboardItem) {
	c.set(ClipCopy, sessionID, items)
}

// SetCut stages items for moving, replacing any previous entry.
func (c *Clipboard) SetCut(sessionID string, items []ClipboardItem) {
	c.set(ClipCut, sessionID, items)
}

func (c *Clipboard) set(op ClipboardOp, sessionID string, items []ClipboardItem) {
	staged := make([]ClipboardItem, len(items))
	copy(staged, items)
	c.mu.Lock()
	c.entry = &ClipboardEntry{Op: op, SourceSessionID: sessionID, Items: staged}
	c.mu.Unlock()
	log.Printf("[clipboard] staged %s of %d item(s) from session %s", op, len(items), logutil.SanitizeForLog(sessionID))
}

// Current returns the staged entry, nil when the clipboard is empty.
func (c *Clipboard) Current() *ClipboardEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry
}

// Clear empties the clipboard.
func (c *Clipboard) Clear() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

// Paste applies the staged entry into targetDir on targetSessionID. A paste
// into a different session than the entry's source fails without touching
// either filesystem and leaves the clipboard intact. Cut pastes move the
// items and clear the clipboard only after every item succeeded; copy
// pastes leave the entry staged for repeated pasting. Items are processed
// sequentially and the first failure aborts the rest.
func (c *Clipboard) Paste(ctx context.Context, targetSessionID, targetDir string) (BatchResult, error) {
	var res BatchResult

	c.mu.Lock()
	entry := c.entry
	c.mu.Unlock()
	if entry == nil {
		return res, &UnsupportedOperationError{Op: "paste", Reason: "clipboard is empty"}
	}
	if entry.SourceSessionID != targetSessionID {
		return res, &CrossSessionPasteUnsupportedError{
			SourceSessionID: entry.SourceSessionID,
			TargetSessionID: targetSessionID,
		}
	}

	for i, it := range entry.Items {
		dest := path.Join(targetDir, it.Name)
		var err error
		switch entry.Op {
		case ClipCut:
			err = c.orch.Move(ctx, targetSessionID, it.Path, dest)
		default:
			_, err = c.orch.Copy(ctx, targetSessionID, it.Path, dest)
		}
		if err != nil {
			res.Failed = it.Path
			for _, rest := range entry.Items[i+1:] {
				res.Unattempted = append(res.Unattempted, rest.Path)
			}
			return res, err
		}
		res.Completed = append(res.Completed, it.Path)
	}

	if entry.Op == ClipCut {
		// Clear only if the entry we pasted is still the staged one.
		c.mu.Lock()
		if c.entry == entry {
			c.entry = nil
		}
		c.mu.Unlock()
	}
	return res, nil
}
