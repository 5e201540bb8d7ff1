// Package session keeps one companion capture process alive per
// interactive login session. The daemon runs as a system service and
// cannot capture foreground-window activity itself; the companion runs
// inside the user's session and writes into the shared event store.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Session identifies one interactive login session.
type Session struct {
	ID   string
	User string
}

// Launcher abstracts session discovery and companion process control so
// the supervisor can be exercised against a fake in tests and swapped per
// platform.
type Launcher interface {
	// ActiveSessions lists interactive sessions eligible for a companion.
	ActiveSessions(ctx context.Context) ([]Session, error)
	// CompanionRunning reports whether the companion already runs for the
	// session's user.
	CompanionRunning(ctx context.Context, sess Session) (bool, error)
	// Launch starts the companion inside the session.
	Launch(ctx context.Context, sess Session) error
}

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// LoginctlLauncher discovers sessions through systemd-logind and starts
// the companion with runuser so it inherits the target user's identity.
type LoginctlLauncher struct {
	// CompanionPath is the absolute path of the companion binary.
	CompanionPath string
	Runner        CmdRunner
}

// NewLoginctlLauncher builds the default Linux launcher.
func NewLoginctlLauncher(companionPath string) *LoginctlLauncher {
	return &LoginctlLauncher{CompanionPath: companionPath, Runner: &ExecRunner{}}
}

// ActiveSessions lists logind sessions and keeps the active, seated ones.
func (l *LoginctlLauncher) ActiveSessions(ctx context.Context) ([]Session, error) {
	out, err := l.Runner.Run(ctx, "loginctl", "list-sessions", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		// SESSION UID USER SEAT ...
		if len(fields) < 3 {
			continue
		}
		sess := Session{ID: fields[0], User: fields[2]}
		active, err := l.sessionActive(ctx, sess.ID)
		if err != nil || !active {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (l *LoginctlLauncher) sessionActive(ctx context.Context, id string) (bool, error) {
	out, err := l.Runner.Run(ctx, "loginctl", "show-session", id, "--property=Active", "--value")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "yes", nil
}

// CompanionRunning checks for an existing companion owned by the
// session's user.
func (l *LoginctlLauncher) CompanionRunning(ctx context.Context, sess Session) (bool, error) {
	_, err := l.Runner.Run(ctx, "pgrep", "-u", sess.User, "-f", l.CompanionPath)
	if err == nil {
		return true, nil
	}
	// pgrep exits 1 when nothing matches; other failures bubble up so the
	// supervisor does not double-launch blindly.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check companion: %w", err)
}

// Launch starts the companion detached under the session user. setsid only
// forks on its own when it is already a process-group leader, which it is
// not under runuser; --fork makes it always fork, so the companion outlives
// the waited-on launch command.
func (l *LoginctlLauncher) Launch(ctx context.Context, sess Session) error {
	_, err := l.Runner.Run(ctx,
		"runuser", "-u", sess.User, "--",
		"setsid", "--fork", l.CompanionPath,
	)
	if err != nil {
		return fmt.Errorf("launch companion for %s: %w", sess.User, err)
	}
	return nil
}

// NoopLauncher disables supervision on platforms without session
// discovery. It reports no sessions and never launches.
type NoopLauncher struct{}

func (NoopLauncher) ActiveSessions(context.Context) ([]Session, error)       { return nil, nil }
func (NoopLauncher) CompanionRunning(context.Context, Session) (bool, error) { return false, nil }
func (NoopLauncher) Launch(context.Context, Session) error                   { return nil }
