package errlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "logs", "erros.log")
	log, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	log.now = func() time.Time {
		return time.Date(2022, 8, 15, 10, 30, 0, 0, time.UTC)
	}

	return log, path
}

func TestAppendLineFormat(t *testing.T) {
	log, path := openTestLog(t)

	require.NoError(t, log.Append(OriginFetch, "SIA SP 2022 08", "550 file not found"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2022-08-15T10:30:00Z | fetch | SIA SP 2022 08 | 550 file not found\n", string(data))
}

func TestAppendIsAppendOnly(t *testing.T) {
	log, path := openTestLog(t)

	require.NoError(t, log.Append(OriginFetch, "SIH AC 2021 01", "timeout"))
	require.NoError(t, log.Append(OriginProcess, "SIH AC 2021 01", "bad schema"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], " | fetch | ")
	assert.Contains(t, lines[1], " | process | ")
}

func TestAppendSanitizesMessage(t *testing.T) {
	log, path := openTestLog(t)

	require.NoError(t, log.Append(OriginProcess, "SIH AC 2021 01", "line one\nline two"))
	require.NoError(t, log.Append(OriginProcess, "SIH AC 2021 01", strings.Repeat("x", 1000)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "line one line two")
	assert.LessOrEqual(t, len(lines[1]), 500)
	assert.True(t, strings.HasSuffix(lines[1], "..."))
}

func TestCount(t *testing.T) {
	log, path := openTestLog(t)

	require.NoError(t, log.Append(OriginFetch, "SIA SP 2022 08", "timeout"))
	require.NoError(t, log.Append(OriginFetch, "SIA SP 2022 08", "timeout"))
	require.NoError(t, log.Append(OriginProcess, "SIA SP 2022 08", "bad schema"))
	require.NoError(t, log.Append(OriginFetch, "SIA SP 2022 09", "timeout"))
	require.NoError(t, log.Append(OriginSweep, "SIA SP 2022 08", "ignored"))

	assert.Equal(t, 3, Count(path, "SIA SP 2022 08"))
	assert.Equal(t, 1, Count(path, "SIA SP 2022 09"))
	assert.Equal(t, 0, Count(path, "SIH SP 2022 08"))
}

func TestCountMissingFile(t *testing.T) {
	assert.Equal(t, 0, Count(filepath.Join(t.TempDir(), "absent.log"), "SIA SP 2022 08"))
}
