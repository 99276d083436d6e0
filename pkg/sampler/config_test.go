package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	cases := []struct {
		tok     string
		method  Method
		threads int
		wantErr bool
	}{
		{"default", MethodDefault, 0, false},
		{"single_thread", MethodSingleThread, 0, false},
		{"all_threads", MethodAllThreads, 0, false},
		{"round_robin_4", MethodRoundRobin, 4, false},
		{"round_robin_10000", MethodRoundRobin, 10000, false},
		{"round_robin_0", 0, 0, true},
		{"round_robin_10001", 0, 0, true},
		{"round_robin_x", 0, 0, true},
		{"fastest", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tc := range cases {
		m, n, err := ParseMethod(tc.tok)
		if tc.wantErr {
			assert.Error(t, err, tc.tok)
			continue
		}
		require.NoError(t, err, tc.tok)
		assert.Equal(t, tc.method, m, tc.tok)
		assert.Equal(t, tc.threads, n, tc.tok)
	}
}

func TestValidate(t *testing.T) {
	good := Config{
		Method: MethodDefault,
		Delay:  10 * time.Millisecond,
		Launch: Spawn,
		Exe:    "./demo",
	}
	assert.NoError(t, good.Validate())

	rr := good
	rr.Method = MethodRoundRobin
	rr.RoundRobinThreads = 2
	assert.ErrorContains(t, rr.Validate(), "round robin")

	noDelay := good
	noDelay.Delay = 0
	assert.Error(t, noDelay.Validate())

	noExe := good
	noExe.Exe = ""
	assert.Error(t, noExe.Validate())

	badAttach := good
	badAttach.Launch = Attach
	assert.Error(t, badAttach.Validate())

	attach := good
	attach.Launch = Attach
	attach.PID = 4242
	assert.NoError(t, attach.Validate())
}

func TestDelayFromRate(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, DelayFromRate(100))
	assert.Equal(t, 2*time.Second, DelayFromRate(0.5))
	assert.Equal(t, time.Millisecond, DelayFromRate(1000))
}

func TestParseInferiorPID(t *testing.T) {
	resp := "  Num  Description       Executable\n" +
		"* 1    process 4242      /usr/bin/demo\n" +
		"(gdb) "

	pid, err := parseInferiorPID(resp)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestParseInferiorPIDMissing(t *testing.T) {
	_, err := parseInferiorPID("^done\n(gdb) ")
	assert.Error(t, err)

	_, err = parseInferiorPID("  process \n(gdb) ")
	assert.Error(t, err)
}
