package sampler

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// pidofTarget asks the OS for the PID of the freshly spawned target. When
// several processes share the name, pidof prints newest first, which is
// the one gdb just started.
func pidofTarget(exe string) (int, error) {
	name := filepath.Base(exe)
	out, err := exec.Command("pidof", name).Output()
	if err != nil {
		return -1, fmt.Errorf("pidof %s: %w", name, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return -1, fmt.Errorf("pidof %s: no process found", name)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return -1, fmt.Errorf("pidof %s: bad output %q", name, fields[0])
	}
	return pid, nil
}

const inferiorMarker = "  process "

// parseInferiorPID pulls the process PID out of an "info inferior" reply.
// Attach targets may be addressed by a thread ID; this is the true process.
func parseInferiorPID(resp string) (int, error) {
	pos := strings.Index(resp, inferiorMarker)
	if pos < 0 {
		return -1, fmt.Errorf("no %q line in info inferior reply", strings.TrimSpace(inferiorMarker))
	}
	rest := resp[pos+len(inferiorMarker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return -1, fmt.Errorf("no PID after %q in info inferior reply", strings.TrimSpace(inferiorMarker))
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return -1, err
	}
	return pid, nil
}
