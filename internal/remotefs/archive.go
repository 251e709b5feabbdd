package remotefs

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/portsidehq/portside/internal/logutil"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
)

// OpKind names the long-running operation types.
type OpKind string

const (
	OpArchiveCreate  OpKind = "archive_create"
	OpArchiveExtract OpKind = "archive_extract"
)

// OpState is the lifecycle of a long-running operation.
type OpState string

const (
	// OpPrompting means the operation is paused waiting for the caller to
	// resolve a missing remote tool.
	OpPrompting OpState = "prompting"
	OpRunning   OpState = "running"
	OpSucceeded OpState = "succeeded"
	OpFailed    OpState = "failed"
)

// archiveTool maps an archive file name to the remote tool required and the
// command lines for creating/extracting it. An unrecognized extension means
// the operation is unsupported and no remote command runs at all.
type archiveTool struct {
	tool    string
	create  func(archive string, sources []string) string
	extract func(archive, destDir string) string
}

func archiveToolFor(name string) (archiveTool, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return archiveTool{
			tool: "tar",
			create: func(archive string, sources []string) string {
				return fmt.Sprintf("tar -czf %s -- %s", shellQuote(archive), quoteAll(sources))
			},
			extract: func(archive, destDir string) string {
				return fmt.Sprintf("tar -xzf %s -C %s", shellQuote(archive), shellQuote(destDir))
			},
		}, nil
	case strings.HasSuffix(lower, ".tar"):
		return archiveTool{
			tool: "tar",
			create: func(archive string, sources []string) string {
				return fmt.Sprintf("tar -cf %s -- %s", shellQuote(archive), quoteAll(sources))
			},
			extract: func(archive, destDir string) string {
				return fmt.Sprintf("tar -xf %s -C %s", shellQuote(archive), shellQuote(destDir))
			},
		}, nil
	case strings.HasSuffix(lower, ".zip"):
		return archiveTool{
			tool: "zip",
			create: func(archive string, sources []string) string {
				return fmt.Sprintf("zip -r %s %s", shellQuote(archive), quoteAll(sources))
			},
			extract: func(archive, destDir string) string {
				return fmt.Sprintf("unzip -o %s -d %s", shellQuote(archive), shellQuote(destDir))
			},
		}, nil
	}
	return archiveTool{}, &UnsupportedOperationError{
		Op:     "archive",
		Reason: fmt.Sprintf("unrecognized archive extension on %q", name),
	}
}

// extractTool uses unzip rather than zip; probe the right one per direction.
func (a archiveTool) probeName(kind OpKind) string {
	if a.tool == "zip" && kind == OpArchiveExtract {
		return "unzip"
	}
	return a.tool
}

func quoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

// PendingOperation is a long-running archive operation. It starts in either
// OpRunning or OpPrompting and settles into exactly one terminal state.
type PendingOperation struct {
	ID        string    `json:"id"`
	Kind      OpKind    `json:"kind"`
	SessionID string    `json:"session_id"`
	Dir       string    `json:"dir"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`

	mu          sync.Mutex
	missingTool string
	state       OpState
	log         []string
	err         error
	resolveOnce sync.Once
	resolution  chan bool
	done        chan struct{}
}

func newPendingOperation(kind OpKind, sessionID, dir, target string) *PendingOperation {
	return &PendingOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		Dir:        dir,
		Target:     target,
		StartedAt:  time.Now(),
		state:      OpRunning,
		resolution: make(chan bool, 1),
		done:       make(chan struct{}),
	}
}

// State returns the operation's current lifecycle state.
func (p *PendingOperation) State() OpState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MissingTool names the tool the operation is waiting on, "" unless the
// operation is prompting.
func (p *PendingOperation) MissingTool() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missingTool
}

// Err returns the terminal error, nil until the operation fails.
func (p *PendingOperation) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Log returns a copy of the operation's progress log.
func (p *PendingOperation) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.log))
	copy(out, p.log)
	return out
}

// Done is closed when the operation reaches a terminal state.
func (p *PendingOperation) Done() <-chan struct{} { return p.done }

// Resolve answers a missing-tool prompt. installed=true means the caller
// claims the tool is now present and the operation should retry; false
// abandons the operation. Only the first call has any effect.
func (p *PendingOperation) Resolve(installed bool) {
	p.resolveOnce.Do(func() { p.resolution <- installed })
}

// Wait blocks until the operation settles or the context is cancelled.
func (p *PendingOperation) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingOperation) setState(s OpState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *PendingOperation) logf(format string, args ...any) {
	p.mu.Lock()
	p.log = append(p.log, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *PendingOperation) settle(state OpState, err error) {
	p.mu.Lock()
	if p.state == OpSucceeded || p.state == OpFailed {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// opTable tracks in-flight and recently settled operations by ID.
type opTable struct {
	mu  sync.RWMutex
	ops map[string]*PendingOperation
}

func newOpTable() *opTable {
	return &opTable{ops: make(map[string]*PendingOperation)}
}

func (t *opTable) add(op *PendingOperation) {
	t.mu.Lock()
	t.ops[op.ID] = op
	t.mu.Unlock()
}

func (t *opTable) get(id string) (*PendingOperation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	return op, ok
}

// prune drops settled operations older than the cutoff.
func (t *opTable) prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, op := range t.ops {
		state := op.State()
		if (state == OpSucceeded || state == OpFailed) && op.StartedAt.Before(cutoff) {
			delete(t.ops, id)
			removed++
		}
	}
	return removed
}

// Operation looks up a pending or settled operation by ID.
func (o *Orchestrator) Operation(id string) (*PendingOperation, bool) {
	return o.ops.get(id)
}

// ResolveDependency answers the missing-tool prompt of a pending operation.
func (o *Orchestrator) ResolveDependency(opID string, installed bool) error {
	op, ok := o.ops.get(opID)
	if !ok {
		return fmt.Errorf("no such operation %q", opID)
	}
	op.Resolve(installed)
	return nil
}

// PruneOperations drops settled operations older than the given age and
// returns how many were removed. Wired to the periodic cleanup job.
func (o *Orchestrator) PruneOperations(olderThan time.Duration) int {
	return o.ops.prune(olderThan)
}

// ArchiveCreate starts building an archive from the given items inside dir.
// The archive name's extension selects the format and the remote tool. The
// operation returns immediately; if the tool is missing remotely, the
// operation parks in OpPrompting until ResolveDependency is called.
func (o *Orchestrator) ArchiveCreate(ctx context.Context, sessionID, dir, archiveName string, items []Item) (*PendingOperation, error) {
	tool, err := archiveToolFor(archiveName)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &UnsupportedOperationError{Op: "archive_create", Reason: "no items selected"}
	}
	s, t, err := o.transportFor(sessionID)
	if err != nil {
		return nil, err
	}

	archivePath := path.Join(dir, archiveName)
	// Archive members are addressed relative to dir so the archive does not
	// embed absolute paths.
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	cmd := fmt.Sprintf("cd %s && %s", shellQuote(dir), tool.create(archivePath, names))

	op := newPendingOperation(OpArchiveCreate, sessionID, dir, archivePath)
	o.ops.add(op)
	// The operation outlives the caller's request; only session teardown or
	// an explicit resolution verdict settles a prompting operation.
	go o.runArchiveOp(context.WithoutCancel(ctx), op, s, t, tool.probeName(OpArchiveCreate), cmd)
	return op, nil
}

// ArchiveExtract starts extracting an archive into destDir.
func (o *Orchestrator) ArchiveExtract(ctx context.Context, sessionID, archivePath, destDir string) (*PendingOperation, error) {
	tool, err := archiveToolFor(path.Base(archivePath))
	if err != nil {
		return nil, err
	}
	s, t, err := o.transportFor(sessionID)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("mkdir -p -- %s && %s", shellQuote(destDir), tool.extract(archivePath, destDir))

	op := newPendingOperation(OpArchiveExtract, sessionID, destDir, archivePath)
	o.ops.add(op)
	go o.runArchiveOp(context.WithoutCancel(ctx), op, s, t, tool.probeName(OpArchiveExtract), cmd)
	return op, nil
}

// runArchiveOp probes for the required tool, prompting the caller if it is
// missing, then runs the archive command and records the outcome.
func (o *Orchestrator) runArchiveOp(ctx context.Context, op *PendingOperation, s *session.Session, t transport.Transport, toolName, cmd string) {
	kind := string(op.Kind)

	present, err := toolPresent(ctx, t, toolName)
	if err != nil {
		op.logf("probe for %s failed: %v", toolName, err)
		o.record(op.SessionID, kind, op.Target, "failed", err.Error())
		op.settle(OpFailed, err)
		return
	}
	if !present {
		op.mu.Lock()
		op.missingTool = toolName
		op.state = OpPrompting
		op.mu.Unlock()
		op.logf("remote tool %q not found, waiting for resolution", toolName)
		log.Printf("[remotefs] %s on session %s needs missing tool %q", kind, logutil.SanitizeForLog(op.SessionID), toolName)

		select {
		case installed := <-op.resolution:
			if !installed {
				op.logf("abandoned: %q not installed", toolName)
				o.record(op.SessionID, kind, op.Target, "abandoned", "missing "+toolName)
				op.settle(OpFailed, &MissingDependencyError{Tool: toolName})
				return
			}
		case <-ctx.Done():
			op.settle(OpFailed, ctx.Err())
			return
		case <-s.Done():
			op.settle(OpFailed, &session.SessionClosedError{SessionID: s.ID})
			return
		}

		// Re-probe after the caller claims the tool was installed.
		present, err = toolPresent(ctx, t, toolName)
		if err != nil {
			op.settle(OpFailed, err)
			return
		}
		if !present {
			op.logf("%q still missing after resolution", toolName)
			o.record(op.SessionID, kind, op.Target, "failed", toolName+" still missing")
			op.settle(OpFailed, &MissingDependencyError{Tool: toolName})
			return
		}
		op.mu.Lock()
		op.missingTool = ""
		op.mu.Unlock()
	}

	op.setState(OpRunning)
	op.logf("running: %s", cmd)
	res, err := t.Exec(ctx, cmd)
	o.refreshDir(op.SessionID, op.Dir)
	if err != nil {
		o.record(op.SessionID, kind, op.Target, "failed", err.Error())
		op.settle(OpFailed, err)
		return
	}
	if res.ExitCode != 0 {
		ioErr := &RemoteIOError{Op: kind, Path: op.Target, Detail: firstLine(res.Stderr)}
		op.logf("exit %d: %s", res.ExitCode, firstLine(res.Stderr))
		o.record(op.SessionID, kind, op.Target, "failed", ioErr.Detail)
		op.settle(OpFailed, ioErr)
		return
	}
	op.logf("completed")
	o.record(op.SessionID, kind, op.Target, "succeeded", "")
	op.settle(OpSucceeded, nil)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
