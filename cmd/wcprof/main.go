// wcprof is a wall-clock sampling profiler: it periodically interrupts a
// target process through gdb, collects backtraces, and reports where the
// wall-clock time went.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wcprof/wcprof/pkg/report"
	"github.com/wcprof/wcprof/pkg/sampler"
)

var verbose bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wcprof <samples_per_sec> <target_executable> [args_or_pid...]",
		Short: "Wall-clock sampling profiler driving gdb",
		Long: `wcprof attributes wall-clock time to call stacks by periodically
interrupting the target through gdb and aggregating the backtraces.

Direct call:
    wcprof samples_per_sec ./myProgram [args...]

Attach to an existing process (may require root):
    wcprof samples_per_sec ./myProgram pid [detach_sec]

detach_sec is the number of seconds before detaching and ending
profiling (-1 to stay attached forever, the default).`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  false,
		SilenceErrors: true,
		RunE:          runLegacy,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newAttachCmd())
	return root
}

// runLegacy handles the positional front-end.
func runLegacy(cmd *cobra.Command, args []string) error {
	cfg, err := legacyConfig(args)
	if err != nil {
		return err
	}
	return profile(cfg)
}

// legacyConfig parses the positional form. A numeric third argument means
// attach; anything else is the spawn form.
func legacyConfig(args []string) (sampler.Config, error) {
	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || rate <= 0 {
		return sampler.Config{}, fmt.Errorf("samples_per_sec must be a positive number, got %q", args[0])
	}

	cfg := sampler.Config{
		Method: sampler.MethodDefault,
		Delay:  sampler.DelayFromRate(rate),
	}

	if len(args) >= 3 {
		if pid, err := strconv.Atoi(args[2]); err == nil {
			cfg.Launch = sampler.Attach
			cfg.Exe = args[1]
			cfg.PID = pid
			if len(args) >= 4 {
				detachSec, err := strconv.Atoi(args[3])
				if err != nil {
					return sampler.Config{}, fmt.Errorf("detach_sec must be an integer, got %q", args[3])
				}
				if detachSec > 0 {
					cfg.ProfileFor = time.Duration(detachSec) * time.Second
				}
			}
			return cfg, nil
		}
	}

	cfg.Launch = sampler.Spawn
	// the target may arrive as one quoted string with its arguments
	exe, rest, _ := strings.Cut(args[1], " ")
	cfg.Exe = exe
	if rest != "" {
		cfg.Args = strings.Fields(rest)
	}
	cfg.Args = append(cfg.Args, args[2:]...)
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <method> <delay_us> <time_s> <executable> [args...]",
		Short: "Start the target under the profiler",
		Long: `Starts the target under gdb and samples it.
method is one of: default, single_thread, all_threads, round_robin_N.
delay_us is the microseconds between samples. time_s <= 0 profiles
until the target exits.`,
		Args:          cobra.MinimumNArgs(4),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := extendedConfig(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			cfg.Launch = sampler.Spawn
			cfg.Exe = args[3]
			cfg.Args = args[4:]
			return profile(cfg)
		},
	}
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <method> <delay_us> <time_s> <pid> <executable>",
		Short: "Attach the profiler to a running process",
		Long: `Attaches to a running PID and samples it.
method is one of: default, single_thread, all_threads, round_robin_N.
delay_us is the microseconds between samples. time_s <= 0 profiles
until the target exits.`,
		Args:          cobra.ExactArgs(5),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := extendedConfig(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			pid, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("pid must be an integer, got %q", args[3])
			}
			cfg.Launch = sampler.Attach
			cfg.PID = pid
			cfg.Exe = args[4]
			return profile(cfg)
		},
	}
}

// extendedConfig parses the method, delay and time tokens shared by the
// run and attach subcommands.
func extendedConfig(methodTok, delayTok, timeTok string) (sampler.Config, error) {
	method, rrThreads, err := sampler.ParseMethod(methodTok)
	if err != nil {
		return sampler.Config{}, err
	}
	delayUs, err := strconv.ParseInt(delayTok, 10, 64)
	if err != nil || delayUs <= 0 {
		return sampler.Config{}, fmt.Errorf("delay_us must be a positive integer, got %q", delayTok)
	}
	timeSec, err := strconv.ParseInt(timeTok, 10, 64)
	if err != nil {
		return sampler.Config{}, fmt.Errorf("time_s must be an integer, got %q", timeTok)
	}

	cfg := sampler.Config{
		Method:            method,
		RoundRobinThreads: rrThreads,
		Delay:             time.Duration(delayUs) * time.Microsecond,
	}
	if timeSec > 0 {
		cfg.ProfileFor = time.Duration(timeSec) * time.Second
	}
	return cfg, nil
}

// profile runs a full session and prints the report. Target-side user
// errors (bad PID, missing binary) report and exit 0; internal faults
// propagate and exit 1.
func profile(cfg sampler.Config) error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctrl := sampler.New(cfg, logger)
	defer ctrl.Close()

	if err := ctrl.Run(); err != nil {
		if errors.Is(err, sampler.ErrTargetUnreachable) || errors.Is(err, sampler.ErrLaunchFailed) {
			fmt.Println(err)
			return nil
		}
		return err
	}

	rep := report.New(os.Stdout, ctrl.Driver())
	rep.Render(ctrl.Aggregate())
	return nil
}
