package sampler

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wcprof/wcprof/pkg/aggregate"
	"github.com/wcprof/wcprof/pkg/backtrace"
	"github.com/wcprof/wcprof/pkg/gdb"
)

const (
	// TranscriptPath collects every gdb command and reply.
	TranscriptPath = "wcGDBLog.txt"
	// SpawnOutputPath captures target stdout/stderr in default spawn mode.
	SpawnOutputPath = "wcOut.txt"
	// ConsoleOutputPath captures target output for the console methods.
	ConsoleOutputPath = "wcprof_program_output.txt"

	stopAnchor       = "*stopped,"
	progressInterval = 3 * time.Second
)

// Controller is the single actor of a profiling session. It owns the
// driver, the interner, and the aggregator; the reporter reads the
// aggregator and the driver once Run returns.
type Controller struct {
	cfg Config

	drv      *gdb.Driver
	agg      *aggregate.Aggregator
	interner *backtrace.Interner

	targetPID int
	samples   int
	fatal     error // first non-retryable driver failure

	collectTime time.Duration // summed stop-sample-resume windows that collected a stack

	sigCh chan os.Signal
	log   *logrus.Entry
}

// New builds a controller for cfg. Call Run to profile.
func New(cfg Config, logger *logrus.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		agg:      aggregate.New(),
		interner: backtrace.NewInterner(),
		log:      logger.WithField("component", "sampler"),
	}
}

// Aggregate exposes the collected tables for reporting.
func (c *Controller) Aggregate() *aggregate.Aggregator {
	return c.agg
}

// Driver exposes the live driver so the reporter can echo source lines.
// Valid between Run returning and Close.
func (c *Controller) Driver() *gdb.Driver {
	return c.drv
}

// Samples returns how many interrupt cycles collected at least one stack.
func (c *Controller) Samples() int {
	return c.samples
}

// AvgCollectTime returns the mean stop-sample-resume window, 0 if no
// samples were taken.
func (c *Controller) AvgCollectTime() time.Duration {
	if c.samples == 0 {
		return 0
	}
	return c.collectTime / time.Duration(c.samples)
}

// mode maps the sampling method onto the gdb dialect.
func (c *Controller) mode() gdb.Mode {
	if c.cfg.Method == MethodDefault {
		return gdb.ModeMI
	}
	return gdb.ModeConsole
}

// stopAnchorFor returns the substring that marks the interrupt reply.
// Console gdb has no *stopped record; the prompt alone frames it there.
func (c *Controller) stopAnchorFor() string {
	if c.mode() == gdb.ModeMI {
		return stopAnchor
	}
	return ""
}

// Run executes the whole session: start gdb, launch or attach, sample
// until exit or deadline, then stop the loop and detach. The driver stays
// up for the reporter; call Close when done with it.
func (c *Controller) Run() error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	transcript, err := gdb.OpenTranscript(TranscriptPath)
	if err != nil {
		return err
	}
	fmt.Printf("Logging GDB commands and responses to %s\n", TranscriptPath)

	drv, err := gdb.Start(c.cfg.Exe, c.mode(), transcript, c.log.Logger)
	if err != nil {
		transcript.Close()
		return err
	}
	c.drv = drv
	fmt.Printf("Forked GDB child on PID=%d\n", drv.Pid())

	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c.sigCh)

	if err := c.startTarget(); err != nil {
		return err
	}

	c.loop()
	if c.fatal != nil {
		// the pipe is gone; report what was collected and surface the fault
		c.stopSampling()
		return c.fatal
	}
	c.stopSampling()
	return nil
}

// startTarget consumes the banner, configures gdb, launches or attaches,
// and resolves the true target PID.
func (c *Controller) startTarget() error {
	banner, err := c.drv.FetchLogged("", "GDB init response")
	if err != nil {
		return err
	}
	if strings.Contains(banner, "No such file or directory.") {
		return fmt.Errorf("%w: GDB failed to start program %q", ErrLaunchFailed, c.cfg.Exe)
	}

	c.drv.Send("handle SIGPIPE nostop noprint pass")
	c.drv.Skip()

	if c.cfg.Launch == Spawn {
		return c.spawnTarget()
	}
	return c.attachTarget()
}

func (c *Controller) spawnTarget() error {
	var run string
	if c.mode() == gdb.ModeMI {
		run = fmt.Sprintf("run %s > %s", strings.Join(c.cfg.Args, " "), SpawnOutputPath)
		fmt.Printf("Starting program with '%s', redirecting program output to %s\n", run, SpawnOutputPath)
		c.drv.Send(run)
	} else {
		args := make([]string, 0, len(c.cfg.Args))
		for _, a := range c.cfg.Args {
			args = append(args, fmt.Sprintf("%q", a))
		}
		run = fmt.Sprintf("run %s > %s &", strings.Join(args, " "), ConsoleOutputPath)
		fmt.Printf("Starting program with '%s', redirecting program output to %s\n", run, ConsoleOutputPath)
		c.drv.Send(run)
		c.drv.Skip()
	}

	// give the target a moment to exist before asking the OS about it
	time.Sleep(100 * time.Millisecond)
	c.drv.Skip()

	pid, err := pidofTarget(c.cfg.Exe)
	if err != nil {
		return fmt.Errorf("resolving PID of debugged app: %w", err)
	}
	c.targetPID = pid
	fmt.Printf("PID of debugged process = %d\n", pid)
	return nil
}

func (c *Controller) attachTarget() error {
	var resp string
	if c.mode() == gdb.ModeMI {
		c.drv.Send("-gdb-set target-async 1")
		c.drv.Skip()

		fmt.Printf("Attaching to PID %d\n", c.cfg.PID)
		c.drv.Send(fmt.Sprintf("-target-attach %d", c.cfg.PID))
		resp, _ = c.drv.FetchLogged("", "Attach response")
	} else {
		fmt.Printf("Attaching to PID %d\n", c.cfg.PID)
		c.drv.Send(fmt.Sprintf("attach %d &", c.cfg.PID))
		resp, _ = c.drv.FetchLogged("", "Attach response")
	}

	if strings.Contains(resp, "ptrace: No such process.") {
		return fmt.Errorf("%w: GDB could not find process %d", ErrTargetUnreachable, c.cfg.PID)
	}
	if strings.Contains(resp, "ptrace: Operation not permitted.") {
		return fmt.Errorf("%w: GDB could not attach to process %d (maybe you need to be root?)",
			ErrTargetUnreachable, c.cfg.PID)
	}

	if err := c.resolveAttachedPID(); err != nil {
		return err
	}
	fmt.Printf("PID of debugged process = %d\n", c.targetPID)

	// resume the target; it must be running between samples
	if c.mode() == gdb.ModeMI {
		c.drv.Send("-exec-continue")
	} else {
		c.drv.Send("c &")
	}
	c.drv.Skip()
	return nil
}

// resolveAttachedPID asks gdb which process it is really debugging; the
// PID on the command line may have been a thread ID.
func (c *Controller) resolveAttachedPID() error {
	c.drv.Send("info inferior")
	resp, _ := c.drv.FetchLogged("", "info inferior response")
	pid, err := parseInferiorPID(resp)
	if err != nil {
		return fmt.Errorf("cannot fetch process PID: %w", err)
	}
	c.targetPID = pid
	return nil
}

// loop is the sampling cycle: sleep, interrupt, collect, resume. The
// deadline and signal checks sit between samples, never inside one.
func (c *Controller) loop() {
	start := time.Now()
	lastProgress := start

	var deadline time.Time
	if c.cfg.ProfileFor > 0 {
		deadline = start.Add(c.cfg.ProfileFor)
	}

	fmt.Println("Sampling stack while program runs...")
	fmt.Printf("Sampling every %v\n", c.cfg.Delay)
	if !deadline.IsZero() {
		fmt.Printf("Will detach automatically after %v\n", c.cfg.ProfileFor)
	}

	for !c.drv.TargetExited() && c.fatal == nil {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		select {
		case sig := <-c.sigCh:
			c.log.WithField("signal", sig).Info("interrupted, stopping sampling")
			return
		default:
		}

		if now := time.Now(); now.Sub(lastProgress) > progressInterval {
			fmt.Printf("Collected %d stack samples in %d seconds\n",
				c.samples, int(now.Sub(start).Seconds()))
			lastProgress = now
		}

		time.Sleep(c.cfg.Delay)

		t0 := time.Now()
		before := c.samples
		c.sampleOnce()
		if c.samples > before {
			c.collectTime += time.Since(t0)
		}
	}
}

// sampleOnce is one stop-sample-resume window. Every branch that reaches
// the stopped state passes through the continue step; the target must
// never be left stopped.
func (c *Controller) sampleOnce() {
	c.interruptTarget()
	c.drv.FetchLogged(c.stopAnchorFor(), "Waiting for interrupt response")
	if c.drv.TargetExited() {
		return
	}

	resp, fetchErr := c.requestBacktrace()

	if !c.drv.TargetExited() {
		c.continueTarget()
	}

	if errors.Is(fetchErr, gdb.ErrDriverIO) {
		c.fatal = fetchErr
		return
	}
	if fetchErr != nil || c.drv.TargetExited() {
		// a timed-out fetch means "assume idle"; the sample is dropped
		return
	}
	c.recordResponse(resp)
}

func (c *Controller) interruptTarget() {
	if c.cfg.Launch == Spawn && c.mode() == gdb.ModeMI {
		// the target shares gdb's stdio here, so -exec-interrupt does
		// not work; signal the process directly
		c.log.WithField("pid", c.targetPID).Debug("sending SIGINT to target")
		unix.Kill(c.targetPID, unix.SIGINT)
		return
	}
	if c.mode() == gdb.ModeMI {
		c.drv.Send("-exec-interrupt")
	} else {
		c.drv.Send("interrupt")
	}
}

func (c *Controller) continueTarget() {
	if c.mode() == gdb.ModeMI {
		c.drv.Send("-exec-continue")
	} else {
		c.drv.Send("c &")
	}
	c.drv.Skip()
}

// requestBacktrace issues the method's backtrace command and returns the
// raw reply.
func (c *Controller) requestBacktrace() (string, error) {
	switch c.cfg.Method {
	case MethodDefault:
		c.drv.Send("-stack-list-frames")
	case MethodSingleThread:
		c.drv.Send("backtrace -frame-arguments none -frame-info location-and-address")
	case MethodAllThreads:
		c.drv.Send("thread apply all backtrace -frame-arguments none -frame-info location-and-address")
	}
	return c.drv.FetchLogged("", "Backtrace response")
}

// recordResponse parses the reply and feeds the aggregator. Parse
// failures drop the sample and sampling continues.
func (c *Controller) recordResponse(resp string) {
	switch c.cfg.Method {
	case MethodDefault:
		st, err := backtrace.ParseMI(resp)
		if err != nil {
			c.log.WithError(err).Debug("dropping unparseable sample")
			return
		}
		if st.Empty() {
			return
		}
		st.Thread = "main"
		c.agg.Record(st)
		c.samples++
	case MethodSingleThread:
		st := backtrace.ParsePlain(backtrace.SplitLines(resp), "main", c.interner)
		if st.Empty() {
			return
		}
		c.agg.Record(st)
		c.samples++
	case MethodAllThreads:
		stacks := backtrace.ParseThreads(resp, c.interner)
		for _, st := range stacks {
			c.agg.Record(st)
		}
		if len(stacks) > 0 {
			c.samples++
		}
	}
}

// stopSampling ends the session: if the target is still alive it is
// interrupted one last time and detached from, so it keeps running.
func (c *Controller) stopSampling() {
	if c.drv.TargetExited() {
		fmt.Println("Program exited")
	} else {
		fmt.Println("Detaching from program")

		c.interruptTarget()
		c.drv.FetchLogged(c.stopAnchorFor(), "Waiting for interrupt response")

		c.drv.SetDetaching(true)
		if c.mode() == gdb.ModeMI {
			c.drv.Send("-target-detach")
		} else {
			c.drv.Send("detach")
		}
		c.drv.Skip()
		c.drv.SetDetaching(false)
	}

	fmt.Printf("%d stack samples taken\n", c.agg.Samples())
	fmt.Printf("%d unique stacks sampled\n", c.agg.UniqueStacks())
	if avg := c.AvgCollectTime(); avg > 0 {
		fmt.Printf("Average stack sampling duration: %v\n", avg)
	}
}

// Close quits gdb and releases the pipes. The reporter must be done with
// source echoing before this runs.
func (c *Controller) Close() {
	if c.drv == nil {
		return
	}
	c.drv.Send("quit")
	c.drv.Close()
	c.drv = nil
}
