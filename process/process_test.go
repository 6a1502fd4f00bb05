package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `    1 /sbin/launchd /sbin/launchd
  312 /usr/sbin/coreaudiod /usr/sbin/coreaudiod
 4821 /Applications/Microsoft Teams.app/Contents/MacOS/MSTeams /Applications/Microsoft Teams.app/Contents/MacOS/MSTeams
 5100 /Applications/Safari.app/Contents/MacOS/Safari /Applications/Safari.app/Contents/MacOS/Safari -psn_0_123
garbage line without a pid
 6000 zsh -zsh
`

func TestParsePS(t *testing.T) {
	entries := parsePS(sampleOutput)
	require.Len(t, entries, 5, "malformed lines are skipped")

	assert.Equal(t, int32(1), entries[0].pid)
	assert.Equal(t, "/sbin/launchd", entries[0].comm)
	assert.Equal(t, "/sbin/launchd", entries[0].args)

	// Paths with spaces split across fields; the args tail keeps the rest.
	assert.Equal(t, int32(4821), entries[2].pid)
	assert.Equal(t, "/Applications/Microsoft", entries[2].comm)
	assert.Contains(t, entries[2].args, "MSTeams")

	assert.Equal(t, int32(6000), entries[4].pid)
	assert.Equal(t, "zsh", entries[4].comm)
}

func TestMatchProcessExactBasename(t *testing.T) {
	entries := parsePS(sampleOutput)

	pid, err := matchProcess(entries, "Safari")
	require.NoError(t, err)
	assert.Equal(t, int32(5100), pid)

	pid, err = matchProcess(entries, "launchd")
	require.NoError(t, err)
	assert.Equal(t, int32(1), pid)
}

func TestMatchProcessSubstringFallback(t *testing.T) {
	entries := parsePS(sampleOutput)

	// An app name with spaces never matches a basename exactly; the
	// case-insensitive command-line pass finds it.
	pid, err := matchProcess(entries, "Microsoft Teams")
	require.NoError(t, err)
	assert.Equal(t, int32(4821), pid)

	pid, err = matchProcess(entries, "microsoft teams")
	require.NoError(t, err)
	assert.Equal(t, int32(4821), pid)
}

func TestMatchProcessExactBeatsSubstring(t *testing.T) {
	entries := []psEntry{
		{pid: 10, comm: "/opt/tool-helper", args: "/opt/tool-helper"},
		{pid: 20, comm: "/opt/tool", args: "/opt/tool"},
	}

	// The substring pass would hit pid 10 first; the exact pass wins.
	pid, err := matchProcess(entries, "tool")
	require.NoError(t, err)
	assert.Equal(t, int32(20), pid)
}

func TestMatchProcessNotFound(t *testing.T) {
	_, err := matchProcess(parsePS(sampleOutput), "Spotify")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParsePSEmpty(t *testing.T) {
	assert.Empty(t, parsePS(""))
	assert.Empty(t, parsePS("\n\n"))
}

func TestLocatorFunc(t *testing.T) {
	loc := LocatorFunc(func(name string) (int32, error) {
		assert.Equal(t, "X", name)
		return 7, nil
	})
	pid, err := loc.FindPID("X")
	require.NoError(t, err)
	assert.Equal(t, int32(7), pid)
}

func TestAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}
