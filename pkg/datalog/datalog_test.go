package datalog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const headerLine = "Time (s),Paw (cmH2O),Flow (l/min),Volume (ml),Vt (ml),Ti (s),RR (/min),PEEP (cmH2O)"

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestRow_Record(t *testing.T) {
	row := Row{Time: 1700000000.25, Paw: 12.5, Flow: -3, Volume: 250, Vt: 300, Ti: 1, RR: 20, PEEP: 5}
	assert.Equal(t, []string{"1700000000.25", "12.5", "-3", "250", "300", "1", "20", "5"}, row.Record())
}

func TestNewWriter_HeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	require.NoError(t, w.Append(Row{Time: 1, Paw: 2, Flow: 3, Volume: 4, Vt: 5, Ti: 6, RR: 7, PEEP: 8}))
	require.NoError(t, w.Append(Row{Time: 2}))

	// Nothing written until flushed.
	assert.Zero(t, buf.Len())

	require.NoError(t, w.Flush())
	assert.Equal(t, headerLine+"\n1,2,3,4,5,6,7,8\n2,0,0,0,0,0,0,0\n", buf.String())
	assert.Equal(t, uint64(2), w.Rows())
	assert.Empty(t, w.Path())
}

func TestCSV_CloseFlushesAndIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	require.NoError(t, w.Append(Row{Time: 1}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	assert.ErrorIs(t, w.Append(Row{}), ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)
}

func TestCSV_FlushError(t *testing.T) {
	w, err := NewWriter(failingWriter{})
	require.NoError(t, err) // header is buffered

	require.NoError(t, w.Append(Row{}))
	assert.Error(t, w.Flush())
	assert.Error(t, w.Close())
}

func TestCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	start := time.Date(2024, 3, 1, 14, 5, 9, 123456000, time.Local)

	w, err := Create(dir, start)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-03-01 14-05-09.123456.csv"), w.Path())

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(Row{Time: float64(i)}))
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, headerLine, lines[0])
	assert.Equal(t, "2,0,0,0,0,0,0,0", lines[3])

	// A second session with the same start time must not clobber the first.
	_, err = Create(dir, start)
	assert.Error(t, err)
}
