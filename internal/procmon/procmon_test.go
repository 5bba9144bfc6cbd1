package procmon

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = "  123     1  Ss   Mon Jan  2 15:04:05 2006  /bin/bash"

func TestParseLineValid(t *testing.T) {
	row, ok := ParseLine(sampleLine)
	require.True(t, ok)
	assert.Equal(t, "123", row.PID)
	assert.Equal(t, "1", row.PPID)
	assert.Equal(t, "Ss", row.Stat)
	assert.Equal(t, "/bin/bash", row.Command)
	assert.Equal(t, "Mon Jan  2 15:04:05 2006", row.LStart)
}

func TestParseLineDefunctSkipped(t *testing.T) {
	line := "  456     1  Z    Mon Jan  2 15:04:05 2006  (sh)"
	_, ok := ParseLine(line)
	assert.False(t, ok, "expected defunct row to be skipped")
}

func TestParseLineMalformedSkipped(t *testing.T) {
	_, ok := ParseLine("not a ps line at all")
	assert.False(t, ok)
}

func TestParseSubtree(t *testing.T) {
	output := `  1     0  Ss   Mon Jan  2 15:04:05 2006  /sbin/init
 10     1  S    Mon Jan  2 15:04:05 2006  agent
 11    10  S    Mon Jan  2 15:04:05 2006  child-of-agent
 12    11  S    Mon Jan  2 15:04:05 2006  grandchild
 99     1  S    Mon Jan  2 15:04:05 2006  unrelated
`
	snap := Parse(output, []int{10})
	assert.Len(t, snap, 3)
	for _, pid := range []string{"10", "11", "12"} {
		assert.Contains(t, snap, pid)
	}
	assert.NotContains(t, snap, "99")
}

func TestDiffOrderingAndEmptiness(t *testing.T) {
	a := Snapshot{"1": {PID: "1", PPID: "0", Stat: "S", LStart: "x", Command: "a"}}
	b := Snapshot{"1": {PID: "1", PPID: "0", Stat: "S", LStart: "x", Command: "a"}}
	assert.Empty(t, Diff(a, b))

	prev := Snapshot{
		"1": {PID: "1", PPID: "0", Stat: "S", LStart: "x", Command: "a"},
		"2": {PID: "2", PPID: "1", Stat: "S", LStart: "x", Command: "b"},
	}
	curr := Snapshot{
		"1": {PID: "1", PPID: "0", Stat: "R", LStart: "x", Command: "a"}, // edited
		"3": {PID: "3", PPID: "1", Stat: "S", LStart: "x", Command: "c"}, // added
	}
	diff := Diff(prev, curr)
	require.Len(t, diff, 3)
	assert.True(t, diff[0][0] == '+', "expected additions first, got %v", diff)
	assert.Equal(t, "- 2", diff[1])
	assert.True(t, diff[2][0] == '~', "expected edit last, got %v", diff)
}

func TestRegisterDeregisterIdempotent(t *testing.T) {
	m := New("ps")
	m.Register(5)
	m.Register(5)
	assert.Len(t, m.registered, 1)
	m.Deregister(5)
	m.Deregister(5)
	assert.Empty(t, m.registered)
}

// TestPollIdempotence stages a fake `ps` script so Poll's second invocation
// with unchanged output yields an empty diff.
func TestPollIdempotence(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake ps script requires a POSIX shell")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "ps")
	script := "#!/bin/sh\n" +
		"echo '  1     0  Ss   Mon Jan  2 15:04:05 2006  init'\n" +
		"echo '  2     1  S    Mon Jan  2 15:04:05 2006  agent'\n"
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	m := New(fake)
	m.Register(2)

	diff1, ok := m.Poll()
	require.True(t, ok)
	require.Len(t, diff1, 1)
	assert.Equal(t, byte('+'), diff1[0][0])

	diff2, ok := m.Poll()
	require.True(t, ok)
	assert.Empty(t, diff2)
}

func TestPollFailurePreservesSnapshot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake ps script requires a POSIX shell")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "ps")
	script := "#!/bin/sh\necho '  1     0  Ss   Mon Jan  2 15:04:05 2006  init'\nexit 1\n"
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	m := New(fake)
	m.Register(1)
	diff, ok := m.Poll()
	assert.False(t, ok)
	assert.Nil(t, diff)
	assert.Empty(t, m.last)
}
