package main

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// execSource samples the desktop through external tools (xdotool for the
// focused window, xprintidle for idle time). Probe failures surface as
// errors; the capture loop logs and carries on, so a missing tool degrades
// capture to heartbeats instead of killing the agent.
type execSource struct{}

func newPlatformSource() Source {
	return &execSource{}
}

func (execSource) ForegroundWindow(ctx context.Context) (WindowSample, bool, error) {
	title, err := runCommand(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		return WindowSample{}, false, fmt.Errorf("active window title: %w", err)
	}
	if title == "" {
		return WindowSample{}, false, nil
	}

	sample := WindowSample{WindowTitle: title}
	pidStr, err := runCommand(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		// Title alone is still a usable sample.
		return sample, true, nil
	}
	if pid, convErr := strconv.Atoi(pidStr); convErr == nil {
		if path, readErr := runCommand(ctx, "readlink", "-f", fmt.Sprintf("/proc/%d/exe", pid)); readErr == nil {
			sample.ApplicationPath = path
			if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
				sample.ApplicationName = path[idx+1:]
			}
		}
	}
	return sample, true, nil
}

func (execSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	out, err := runCommand(ctx, "xprintidle")
	if err != nil {
		return 0, fmt.Errorf("idle probe: %w", err)
	}
	ms, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse idle milliseconds %q: %w", out, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
