package remotefs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/portsidehq/portside/internal/transport"
)

func TestPasteCutMovesAndClears(t *testing.T) {
	orch, transports, _ := newTestOrchestrator(t, respondOK, "s1")
	clip := NewClipboard(orch)

	clip.SetCut("s1", []ClipboardItem{
		{Path: "/a/x.txt", Name: "x.txt"},
		{Path: "/a/y.txt", Name: "y.txt"},
	})

	res, err := clip.Paste(context.Background(), "s1", "/b")
	if err != nil {
		t.Fatalf("Paste: %v", err)
	}
	if len(res.Completed) != 2 {
		t.Errorf("result = %+v", res)
	}

	moves := transports["s1"].recordedWith("mv --")
	if len(moves) != 2 || moves[0] != "mv -- '/a/x.txt' '/b/x.txt'" {
		t.Errorf("move commands = %v", moves)
	}

	// A completed cut consumes the clipboard.
	if clip.Current() != nil {
		t.Error("clipboard not cleared after successful cut paste")
	}
}

func TestPasteCopyKeepsEntryForRepeatedPaste(t *testing.T) {
	orch, transports, _ := newTestOrchestrator(t, respondOK, "s1")
	clip := NewClipboard(orch)

	clip.SetCopy("s1", []ClipboardItem{{Path: "/a/x.txt", Name: "x.txt"}})

	if _, err := clip.Paste(context.Background(), "s1", "/b"); err != nil {
		t.Fatalf("first paste: %v", err)
	}
	if clip.Current() == nil {
		t.Fatal("copy entry cleared after paste")
	}
	if _, err := clip.Paste(context.Background(), "s1", "/c"); err != nil {
		t.Fatalf("second paste: %v", err)
	}

	copies := transports["s1"].recordedWith("cp -r")
	if len(copies) != 2 {
		t.Errorf("copy commands = %v", copies)
	}
}

func TestCrossSessionPasteFailsWithoutSideEffects(t *testing.T) {
	orch, transports, _ := newTestOrchestrator(t, respondOK, "s1", "s2")
	clip := NewClipboard(orch)

	clip.SetCut("s1", []ClipboardItem{{Path: "/a/x.txt", Name: "x.txt"}})

	_, err := clip.Paste(context.Background(), "s2", "/b")
	var cross *CrossSessionPasteUnsupportedError
	if !errors.As(err, &cross) {
		t.Fatalf("error = %v, want CrossSessionPasteUnsupportedError", err)
	}
	if cross.SourceSessionID != "s1" || cross.TargetSessionID != "s2" {
		t.Errorf("error names sessions %q -> %q", cross.SourceSessionID, cross.TargetSessionID)
	}

	// Neither filesystem may be touched and the entry stays staged.
	if c1 := transports["s1"].recorded(); len(c1) != 0 {
		t.Errorf("source session ran commands: %v", c1)
	}
	if c2 := transports["s2"].recorded(); len(c2) != 0 {
		t.Errorf("target session ran commands: %v", c2)
	}
	if clip.Current() == nil {
		t.Error("clipboard cleared by failed cross-session paste")
	}
}

func TestPasteEmptyClipboardFails(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, respondOK, "s1")
	clip := NewClipboard(orch)

	_, err := clip.Paste(context.Background(), "s1", "/b")
	if !errors.As(err, new(*UnsupportedOperationError)) {
		t.Errorf("error = %v, want UnsupportedOperationError", err)
	}
}

func TestCutPasteFailureKeepsEntry(t *testing.T) {
	respond := func(cmd string) (transport.ExecResult, error) {
		if strings.Contains(cmd, "'/a/y.txt'") {
			return transport.ExecResult{ExitCode: 1, Stderr: "mv: permission denied"}, nil
		}
		return transport.ExecResult{}, nil
	}
	orch, _, _ := newTestOrchestrator(t, respond, "s1")
	clip := NewClipboard(orch)

	clip.SetCut("s1", []ClipboardItem{
		{Path: "/a/x.txt", Name: "x.txt"},
		{Path: "/a/y.txt", Name: "y.txt"},
		{Path: "/a/z.txt", Name: "z.txt"},
	})

	res, err := clip.Paste(context.Background(), "s1", "/b")
	if err == nil {
		t.Fatal("paste succeeded, want failure at y.txt")
	}
	if len(res.Completed) != 1 || res.Completed[0] != "/a/x.txt" {
		t.Errorf("completed = %v", res.Completed)
	}
	if res.Failed != "/a/y.txt" {
		t.Errorf("failed = %q", res.Failed)
	}
	if len(res.Unattempted) != 1 || res.Unattempted[0] != "/a/z.txt" {
		t.Errorf("unattempted = %v", res.Unattempted)
	}

	// A partially applied cut keeps the entry so the user can retry.
	if clip.Current() == nil {
		t.Error("clipboard cleared by failed cut paste")
	}
}

func TestStagingReplacesPreviousEntry(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, respondOK, "s1")
	clip := NewClipboard(orch)

	clip.SetCopy("s1", []ClipboardItem{{Path: "/a/old.txt", Name: "old.txt"}})
	clip.SetCut("s1", []ClipboardItem{{Path: "/a/new.txt", Name: "new.txt"}})

	entry := clip.Current()
	if entry == nil || entry.Op != ClipCut || entry.Items[0].Name != "new.txt" {
		t.Errorf("entry = %+v, want the cut of new.txt", entry)
	}
}
