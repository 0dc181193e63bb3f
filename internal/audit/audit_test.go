package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adap-ai/adap/pkg/types"
)

func TestAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Info("entry %d", i)
	}
	l.Error("boom")

	tail, err := l.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, "entry 3", tail[0].Message)
	assert.Equal(t, "entry 4", tail[1].Message)
	assert.Equal(t, "boom", tail[2].Message)
	assert.Equal(t, types.LevelError, tail[2].Level)
	assert.False(t, tail[2].Time.IsZero())

	all, err := l.Tail(100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path)
	require.NoError(t, err)
	l.Info("first")
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	l.Warning("second")

	tail, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "first", tail[0].Message)
	assert.Equal(t, types.LevelWarning, tail[1].Level)
}

func TestTailToleratesForeignLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(path, []byte("2024-01-01 :: INFO :: legacy line\n"), 0644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	tail, err := l.Tail(5)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "2024-01-01 :: INFO :: legacy line", tail[0].Message)
}

func TestConcurrentAppend(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "events.log"))
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, l.Append(types.LevelInfo, fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()

	tail, err := l.Tail(1000)
	require.NoError(t, err)
	assert.Len(t, tail, 50)
}

func TestClosedLog(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "events.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Append(types.LevelInfo, "late"))
	assert.NoError(t, l.Close())
}

func TestLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Warning("Integrity mismatch for module %q:\nsource changed", "pricer")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var raw map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &raw))
	assert.Equal(t, "warn", raw["level"])
	assert.Equal(t, fixed.Format(time.RFC3339Nano), raw["time"])
	assert.Equal(t, "Integrity mismatch for module \"pricer\":\nsource changed", raw["msg"])

	tail, err := l.Tail(1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, types.LevelWarning, tail[0].Level)
	assert.True(t, fixed.Equal(tail[0].Time))
	assert.Equal(t, raw["msg"], tail[0].Message)
}
