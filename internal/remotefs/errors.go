package remotefs

import "fmt"

// RemoteIOError reports a permission or path error from a remote file or
// exec call. Reported per item; unrelated items are unaffected.
type RemoteIOError struct {
	Op     string
	Path   string
	Detail string
}

func (e *RemoteIOError) Error() string {
	return fmt.Sprintf("remote %s %s: %s", e.Op, e.Path, e.Detail)
}

// UnsupportedOperationError is a client-side policy rejection. It is never
// sent to the remote host.
type UnsupportedOperationError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s not supported: %s", e.Op, e.Reason)
}

// CrossSessionPasteUnsupportedError rejects a paste whose target session
// differs from the clipboard's source session. Remote-to-remote copy across
// distinct hosts is out of scope.
type CrossSessionPasteUnsupportedError struct {
	SourceSessionID string
	TargetSessionID string
}

func (e *CrossSessionPasteUnsupportedError) Error() string {
	return fmt.Sprintf("paste into session %q from session %q: cross-session paste is not supported",
		e.TargetSessionID, e.SourceSessionID)
}

// MissingDependencyError reports a remote tool required by an operation that
// is not installed. Not a hard failure: resolution is external, and the
// operation resumes or is abandoned based on the resolver's verdict.
type MissingDependencyError struct {
	Tool string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("required tool %q is not installed on the remote host", e.Tool)
}
