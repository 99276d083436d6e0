package backtrace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const miReply = `^done,stack=[` +
	`frame={level="0",addr="0x0000000000400abc",func="loop",file="main.c",fullname="/src/main.c",line="12",arch="i386:x86-64"},` +
	`frame={level="1",addr="0x0000000000400b10",func="run",file="main.c",fullname="/src/main.c",line="40",arch="i386:x86-64"},` +
	`frame={level="2",addr="0x00007f1a2b3c4d5e",func="main",file="main.c",fullname="/src/main.c",line="55",arch="i386:x86-64"}]` +
	"\n(gdb) \n"

func TestParseMIRoundTrip(t *testing.T) {
	st, err := ParseMI(miReply)
	require.NoError(t, err)
	require.Len(t, st.Frames, 3)

	// innermost first
	assert.Equal(t, "loop", st.Frames[0].Func)
	assert.Equal(t, "run", st.Frames[1].Func)
	assert.Equal(t, "main", st.Frames[2].Func)

	want := []uint64{0x400abc, 0x400b10, 0x7f1a2b3c4d5e}
	assert.Equal(t, want, st.Addresses())

	// re-serializing the addresses reproduces the input hex
	assert.Equal(t, "0x0000000000400abc", fmt.Sprintf("0x%016x", st.Frames[0].Addr))

	assert.Equal(t, "main.c", st.Frames[0].File)
	assert.Equal(t, 12, st.Frames[0].Line)
}

func TestParseMIEmptyStack(t *testing.T) {
	st, err := ParseMI("^done,stack=[]\n(gdb) \n")
	require.NoError(t, err)
	assert.True(t, st.Empty())
}

func TestParseMIMissingStackBlock(t *testing.T) {
	_, err := ParseMI("^error,msg=\"No stack.\"\n(gdb) \n")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseMIUnterminatedBlock(t *testing.T) {
	// reply cut off before the closing bracket
	_, err := ParseMI(`^done,stack=[frame={addr="0x1",func="f"}` + "\n(gdb) \n")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseMIUnbalancedBraces(t *testing.T) {
	_, err := ParseMI(`^done,stack=[frame={addr="0x1",func="f"]` + "\n(gdb) \n")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseMIDefaults(t *testing.T) {
	st, err := ParseMI(`^done,stack=[frame={addr="0x400abc"}]` + "\n(gdb) \n")
	require.NoError(t, err)
	require.Len(t, st.Frames, 1)

	f := st.Frames[0]
	assert.Equal(t, uint64(0x400abc), f.Addr)
	assert.Equal(t, "", f.Func)
	assert.Equal(t, "", f.File)
	assert.Equal(t, -1, f.Line)
}

func TestParseMIStrayQuote(t *testing.T) {
	st, err := ParseMI(`^done,stack=[frame={addr="0x1",func="na"me"}]` + "\n(gdb) \n")
	require.NoError(t, err)
	require.Len(t, st.Frames, 1)
	assert.Equal(t, "na", st.Frames[0].Func)
}

func TestParseMIIgnoresUnknownKeys(t *testing.T) {
	st, err := ParseMI(`^done,stack=[frame={level="0",addr="0x2",func="f",arch="i386:x86-64"}]` + "\n(gdb) \n")
	require.NoError(t, err)
	require.Len(t, st.Frames, 1)
	assert.Equal(t, uint64(2), st.Frames[0].Addr)
	assert.Equal(t, "f", st.Frames[0].Func)
}
