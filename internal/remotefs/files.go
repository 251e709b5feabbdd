// Package remotefs turns user-level file intents into exec and
// file-transfer calls against a session's transport. All remote paths are
// opaque strings; every path that reaches a shell command line goes through
// shellQuote, never ad hoc escaping.
package remotefs

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/portsidehq/portside/internal/transport"
)

// FileEntry is an immutable snapshot of one remote directory entry. A
// refresh replaces the whole listing; entries are never mutated in place.
type FileEntry struct {
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModifiedAt time.Time `json:"modified_at"`
}

// shellQuote wraps a string in single quotes, escaping any embedded single
// quotes. The only sanctioned way to place a path on a command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// listDir lists a remote directory over a short-lived exec channel.
// isDirectory is derived from the directory flag of the permission bits.
func listDir(ctx context.Context, t transport.Transport, path string) ([]FileEntry, error) {
	cmd := fmt.Sprintf("ls -la --color=never --time-style=+%%s -- %s", shellQuote(path))
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, &RemoteIOError{Op: "list", Path: path, Detail: strings.TrimSpace(res.Stderr)}
	}
	return parseLsOutput(res.Stdout), nil
}

// parseLsOutput parses `ls -la --time-style=+%s` output into FileEntries.
// Lines that do not look like entries (the `total` header, `.` and `..`)
// are skipped.
func parseLsOutput(out string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		// perms links owner group size epoch name...
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		mode := fields[0]
		name := strings.Join(fields[6:], " ")
		// Symlink entries render as "name -> target"; keep only the name.
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
		if name == "." || name == ".." {
			continue
		}

		size, _ := strconv.ParseInt(fields[4], 10, 64)
		epoch, _ := strconv.ParseInt(fields[5], 10, 64)

		entries = append(entries, FileEntry{
			Name:       name,
			IsDir:      mode[0] == 'd',
			Size:       size,
			Mode:       mode,
			ModifiedAt: time.Unix(epoch, 0).UTC(),
		})
	}
	return entries
}

// readFile reads a remote file's contents.
func readFile(ctx context.Context, t transport.Transport, path string) ([]byte, error) {
	res, err := t.Exec(ctx, fmt.Sprintf("cat -- %s", shellQuote(path)))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, &RemoteIOError{Op: "read", Path: path, Detail: strings.TrimSpace(res.Stderr)}
	}
	return []byte(res.Stdout), nil
}

// writeFile writes data to a remote file by piping it to the command's
// stdin, avoiding shell argument length limits.
func writeFile(ctx context.Context, t transport.Transport, path string, data []byte) error {
	cmd := fmt.Sprintf("cat > %s", shellQuote(path))
	if err := t.ExecInput(ctx, cmd, bytes.NewReader(data)); err != nil {
		return &RemoteIOError{Op: "write", Path: path, Detail: err.Error()}
	}
	return nil
}

// mkdir creates a remote directory and any missing parents.
func mkdir(ctx context.Context, t transport.Transport, path string) error {
	res, err := t.Exec(ctx, fmt.Sprintf("mkdir -p -- %s", shellQuote(path)))
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if res.ExitCode != 0 {
		return &RemoteIOError{Op: "mkdir", Path: path, Detail: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// remove unlinks a file or removes a directory tree.
func remove(ctx context.Context, t transport.Transport, path string, isDir bool) error {
	var cmd string
	if isDir {
		cmd = fmt.Sprintf("rm -rf -- %s", shellQuote(path))
	} else {
		cmd = fmt.Sprintf("rm -f -- %s", shellQuote(path))
	}
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if res.ExitCode != 0 {
		return &RemoteIOError{Op: "remove", Path: path, Detail: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// rename moves a remote path. Move semantics are plain rename.
func rename(ctx context.Context, t transport.Transport, oldPath, newPath string) error {
	res, err := t.Exec(ctx, fmt.Sprintf("mv -- %s %s", shellQuote(oldPath), shellQuote(newPath)))
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if res.ExitCode != 0 {
		return &RemoteIOError{Op: "rename", Path: oldPath, Detail: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// chmod sets permission bits on a remote path.
func chmod(ctx context.Context, t transport.Transport, path string, mode uint32) error {
	res, err := t.Exec(ctx, fmt.Sprintf("chmod %o -- %s", mode, shellQuote(path)))
	if err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if res.ExitCode != 0 {
		return &RemoteIOError{Op: "chmod", Path: path, Detail: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// copyRecursive copies a path remotely. The transfer protocol has no native
// remote-to-remote copy, so this shells out to a recursive copy command.
func copyRecursive(ctx context.Context, t transport.Transport, from, to string) error {
	res, err := t.Exec(ctx, fmt.Sprintf("cp -r -- %s %s", shellQuote(from), shellQuote(to)))
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if res.ExitCode != 0 {
		return &RemoteIOError{Op: "copy", Path: from, Detail: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// toolPresent probes for a utility on the remote host without running it.
func toolPresent(ctx context.Context, t transport.Transport, tool string) (bool, error) {
	res, err := t.Exec(ctx, fmt.Sprintf("command -v -- %s >/dev/null 2>&1", shellQuote(tool)))
	if err != nil {
		return false, fmt.Errorf("probe for %s: %w", tool, err)
	}
	return res.ExitCode == 0, nil
}
