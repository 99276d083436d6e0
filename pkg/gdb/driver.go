// Package gdb owns the debugger subprocess and turns its loosely framed
// stream into a request/response conversation.
package gdb

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Prompt is gdb's idle marker; a reply is complete once it has appeared.
const Prompt = "(gdb)"

const (
	readBuffSize = 64 * 1024
	tailSize     = 32 * 1024

	retrySleep = 200 * time.Microsecond
)

// retryCeiling bounds Fetch against a wedged debugger; at 200us per retry
// this is on the order of minutes of silence. Tests lower it.
var retryCeiling = 180 * 1000 * 5

var (
	// ErrDriverIO marks a non-retryable pipe failure.
	ErrDriverIO = errors.New("gdb pipe I/O failed")
	// ErrTimeout marks a Fetch that hit the retry ceiling with no
	// terminator. Callers usually treat it as "assume idle".
	ErrTimeout = errors.New("gdb response timed out")
)

// Mode selects how gdb is started and therefore which command dialect the
// controller speaks to it.
type Mode int

const (
	// ModeMI starts gdb with --interpreter=mi for structured replies.
	ModeMI Mode = iota
	// ModeConsole starts plain gdb for human-readable backtraces.
	ModeConsole
)

// fetchExitSignatures end a Fetch early: there is no further reply coming
// once the target is gone.
var fetchExitSignatures = []string{
	"thread-group-exited",
	"Program terminated with signal SIGKILL, Killed.",
	"Program terminated with signal SIGTERM, Terminated.",
	"Program received signal SIGSEGV, Segmentation fault.",
	"The program is not being run.",
}

// Driver holds the gdb child and the two pipes. All methods are called
// from the single controller goroutine.
type Driver struct {
	cmd    *exec.Cmd
	in     int      // nonblocking read end of gdb stdout+stderr
	stdout *os.File // keeps the file behind in alive and closeable
	out    *os.File // write end of gdb stdin

	pending []byte // bytes past the previous response's terminator
	last    string // most recent fetched response

	targetExited     bool
	detachInProgress bool

	transcript *Transcript
	log        *logrus.Entry
}

// Start spawns gdb on exe and wires up the pipes. The read end is set
// nonblocking; gdb gets SIGTERM if the profiler dies.
func Start(exe string, mode Mode, transcript *Transcript, logger *logrus.Logger) (*Driver, error) {
	args := []string{"-nx"}
	if mode == ModeMI {
		args = append(args, "--interpreter=mi")
	}
	args = append(args, exe)

	cmd := exec.Command("gdb", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverIO, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("%w: %v", ErrDriverIO, err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("spawn gdb: %w", err)
	}
	// child copies are ours to close
	stdinR.Close()
	stdoutW.Close()

	fd := int(stdoutR.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		stdoutR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("%w: set nonblock: %v", ErrDriverIO, err)
	}
	d := &Driver{
		cmd:        cmd,
		in:         fd,
		stdout:     stdoutR,
		out:        stdinW,
		transcript: transcript,
		log:        logger.WithField("component", "gdb"),
	}
	d.log.WithField("pid", cmd.Process.Pid).Debug("Forked gdb child")
	return d, nil
}

// Pid returns the gdb child PID.
func (d *Driver) Pid() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return -1
	}
	return d.cmd.Process.Pid
}

// Send writes one newline-terminated command. Writes are synchronous and
// complete before Send returns.
func (d *Driver) Send(command string) error {
	d.transcript.Log("Sending command to GDB", command)
	d.log.WithField("command", command).Debug("send")

	if _, err := d.out.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDriverIO, err)
	}
	return nil
}

// Fetch accumulates gdb output until the prompt has been seen and, when
// until is non-empty, that anchor too. It returns the minimum prefix
// containing both; bytes beyond it wait for the next Fetch. On target
// exit it returns early with whatever arrived.
func (d *Driver) Fetch(until string) (string, error) {
	resp := d.pending
	d.pending = nil

	scratch := make([]byte, readBuffSize)
	overflowed := false

	for attempt := 0; attempt < retryCeiling; attempt++ {
		if cut, ok := responseEnd(resp, until); ok {
			if overflowed {
				// head already lost; leftover split is meaningless
				d.last = string(resp)
				return d.last, nil
			}
			d.pending = append(d.pending, resp[cut:]...)
			d.last = string(resp[:cut])
			return d.last, nil
		}

		if len(resp) > 10 && !d.detachInProgress && containsAny(resp, fetchExitSignatures) {
			d.markExited(string(resp), "termination signature inside fetch")
			d.last = string(resp)
			return d.last, nil
		}

		n, err := unix.Read(d.in, scratch)
		switch {
		case n > 0:
			resp = append(resp, scratch[:n]...)
			if len(resp) > readBuffSize {
				// keep the tail; prompt and backtrace block live near
				// the end of oversized replies
				resp = append(resp[:0:0], resp[len(resp)-tailSize:]...)
				overflowed = true
			}
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			time.Sleep(retrySleep)
		case err != nil:
			d.last = string(resp)
			return d.last, fmt.Errorf("%w: read: %v", ErrDriverIO, err)
		default:
			// EOF: every writer of the pipe has closed; wait as for
			// EAGAIN until the retry ceiling
			time.Sleep(retrySleep)
		}
	}

	d.last = string(resp)
	return d.last, ErrTimeout
}

// responseEnd locates the minimum prefix of buf that contains the prompt
// and, if anchor is non-empty, the anchor as well.
func responseEnd(buf []byte, anchor string) (int, bool) {
	s := string(buf)
	p := strings.Index(s, Prompt)
	if p < 0 {
		return 0, false
	}
	end := p + len(Prompt)
	if anchor != "" {
		a := strings.Index(s, anchor)
		if a < 0 {
			return 0, false
		}
		if ae := a + len(anchor); ae > end {
			end = ae
		}
	}
	return end, true
}

func containsAny(buf []byte, needles []string) bool {
	s := string(buf)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Skip fetches and discards the next reply.
func (d *Driver) Skip() error {
	resp, err := d.Fetch("")
	if resp != "" {
		d.transcript.Log("Skipping GDB response", resp)
	}
	d.ProbeExit()
	return err
}

// FetchLogged fetches the next reply and records it in the transcript
// under header.
func (d *Driver) FetchLogged(until, header string) (string, error) {
	resp, err := d.Fetch(until)
	if resp != "" {
		d.transcript.Log(header, resp)
	}
	d.ProbeExit()
	return resp, err
}

// probeExitSignatures are scanned by ProbeExit over the last response.
var probeExitSignatures = []string{
	"exited-normally",
	`"exited"`,
	"[Inferior",
}

// ProbeExit scans the last response for termination signatures and sets
// the exited flag. The flag is monotone; the sampling loop stops at the
// next boundary once it is up.
func (d *Driver) ProbeExit() {
	if d.last == "" || d.targetExited || d.detachInProgress {
		return
	}
	for _, sig := range probeExitSignatures {
		if strings.Contains(d.last, sig) {
			if sig == "[Inferior" && !strings.Contains(d.last, "exited") {
				continue
			}
			d.markExited(d.last, "response contains "+sig)
			return
		}
	}
	if containsAny([]byte(d.last), fetchExitSignatures) {
		d.markExited(d.last, "termination signature")
		return
	}
	// stopped on a signal we did not send means the target is done
	if strings.Contains(d.last, "stopped") &&
		strings.Contains(d.last, "signal-received") &&
		!strings.Contains(d.last, "SIGINT") {
		d.markExited(d.last, "stopped with a signal other than SIGINT")
	}
}

func (d *Driver) markExited(resp, why string) {
	d.targetExited = true
	d.transcript.Log("Detected program exit:\n"+why, resp)
	d.log.WithField("reason", why).Debug("target exited")
}

// TargetExited reports whether a termination signature has been seen.
func (d *Driver) TargetExited() bool {
	return d.targetExited
}

// SetDetaching suppresses exit detection while the detach reply is in
// flight; gdb emits thread-group-exited during a clean detach too.
func (d *Driver) SetDetaching(v bool) {
	d.detachInProgress = v
}

// LastResponse returns the bytes of the most recent fetch.
func (d *Driver) LastResponse() string {
	return d.last
}

// Close tears down the pipes and reaps gdb.
func (d *Driver) Close() error {
	if d.out != nil {
		d.out.Close()
		d.out = nil
	}
	if d.stdout != nil {
		d.stdout.Close()
		d.stdout = nil
		d.in = -1
	}
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
		d.cmd = nil
	}
	d.transcript.Close()
	return nil
}
