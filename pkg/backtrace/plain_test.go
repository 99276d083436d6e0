package backtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameLine = "#0  0x00000000004005a6 in spin_loop () at worker.c:14"

func TestInternParsesFrame(t *testing.T) {
	in := NewInterner()
	id := in.Intern(frameLine)
	require.GreaterOrEqual(t, id, 0)

	rec := in.Record(id)
	assert.Equal(t, "0x00000000004005a6 in spin_loop () at worker.c:14", rec.FullLine)
	assert.Equal(t, uint64(0x4005a6), rec.Frame.Addr)
	assert.Equal(t, "spin_loop", rec.Frame.Func)
	assert.Equal(t, "worker.c", rec.Frame.File)
	assert.Equal(t, 14, rec.Frame.Line)
}

func TestInternIDsDenseAndStable(t *testing.T) {
	in := NewInterner()

	a := in.Intern(frameLine)
	b := in.Intern("#3  0x0000000000400700 in run_tasks () at sched.c:91")
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 2, in.Len())

	// same syntactic frame, different frame number and thread context
	again := in.Intern("#5  0x00000000004005a6 in spin_loop () at worker.c:14")
	assert.Equal(t, a, again)
	assert.Equal(t, 2, in.Len())
}

func TestInternRejectsNonFrames(t *testing.T) {
	in := NewInterner()
	assert.Equal(t, -1, in.Intern("#0  spin_loop () at worker.c:14"))     // no address
	assert.Equal(t, -1, in.Intern("#1  0x0000000000400700 spin_loop ()")) // no " in "
	assert.Equal(t, 0, in.Len())
}

func TestInternWithoutLocation(t *testing.T) {
	in := NewInterner()
	id := in.Intern("#2  0x00007f9e3a1b2c3d in __poll () from /lib/x86_64-linux-gnu/libc.so.6")
	require.GreaterOrEqual(t, id, 0)

	f := in.Record(id).Frame
	assert.Equal(t, "__poll", f.Func)
	assert.Equal(t, "", f.File)
	assert.Equal(t, -1, f.Line)
}

func TestParsePlainSkipsUnparseableLines(t *testing.T) {
	in := NewInterner()
	lines := []string{
		"#0  0x00000000004005a6 in spin_loop () at worker.c:14",
		"(More stack frames follow...) padding",
		"#1  0x0000000000400700 in run_tasks () at sched.c:91",
	}
	st := ParsePlain(lines, "main", in)
	require.Len(t, st.Frames, 2)
	assert.Equal(t, "main", st.Thread)
	assert.Equal(t, []uint64{0x4005a6, 0x400700}, st.Addresses())
}

func TestSplitLinesDropsShortLines(t *testing.T) {
	raw := "short\n#0  0x00000000004005a6 in spin_loop () at worker.c:14\n\n(gdb)\n"
	lines := SplitLines(raw)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "spin_loop")
}

const allThreadsReply = `Thread 2 (Thread 0x7f5a9c3ff640 (LWP 4243) "worker"):
#0  0x00000000004005a6 in spin_loop () at worker.c:14
#1  0x0000000000400700 in worker_main () at worker.c:40

Thread 1 (Thread 0x7f5a9c4a1740 (LWP 4242) "demo"):
#0  0x00000000004004e2 in idle_wait () at main.c:22
(gdb) `

func TestParseThreads(t *testing.T) {
	in := NewInterner()
	stacks := ParseThreads(allThreadsReply, in)
	require.Len(t, stacks, 2)

	assert.Equal(t, "LWP 4243", stacks[0].Thread)
	assert.Len(t, stacks[0].Frames, 2)
	assert.Equal(t, "spin_loop", stacks[0].Frames[0].Func)

	assert.Equal(t, "LWP 4242", stacks[1].Thread)
	assert.Len(t, stacks[1].Frames, 1)
	assert.Equal(t, "idle_wait", stacks[1].Frames[0].Func)

	// frames shared nothing, so the interner holds all three
	assert.Equal(t, 3, in.Len())
}

func TestThreadNameFallback(t *testing.T) {
	assert.Equal(t, "thread-1", threadName("Thread 7 without an lwp clause", 0))
	assert.Equal(t, "LWP 99", threadName(`Thread 3 (Thread 0x1 (LWP 99) "x"):`, 4))
}
