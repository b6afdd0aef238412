package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saudelab/susetl/internal/testutil"
	"github.com/saudelab/susetl/pkg/batch"
	"github.com/saudelab/susetl/pkg/errlog"
	"github.com/saudelab/susetl/pkg/fetch"
	"github.com/saudelab/susetl/pkg/sink"
	"github.com/saudelab/susetl/pkg/unit"
)

type stubFetcher struct {
	table *batch.Table
	err   error
	calls int
}

func (s *stubFetcher) FetchUnit(context.Context, unit.Key) (*batch.Table, error) {
	s.calls++

	if s.err != nil {
		return nil, s.err
	}

	return s.table, nil
}

type fixture struct {
	proc    *Processor
	fetcher *stubFetcher
	root    string
	errPath string
}

func newFixture(t *testing.T, fetcher *stubFetcher) *fixture {
	t.Helper()

	root := t.TempDir()
	errPath := filepath.Join(root, "errors.log")

	errs, err := errlog.Open(errPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = errs.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	proc := New(log, fetcher, sink.NewWriter(log, root, 3), errs, root)
	proc.retrier.Backoff = time.Millisecond

	return &fixture{proc: proc, fetcher: fetcher, root: root, errPath: errPath}
}

func sihKey(t *testing.T) unit.Key {
	t.Helper()

	key, err := unit.New(unit.SystemHospitalization, "SP", 2022, 8)
	require.NoError(t, err)

	return key
}

func TestProcessSuccess(t *testing.T) {
	fetcher := &stubFetcher{table: testutil.HospitalTable(7)}
	f := newFixture(t, fetcher)
	key := sihKey(t)

	res, err := f.proc.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 7, res.Rows)

	// Final artifact present, intermediate state gone.
	assert.FileExists(t, key.OutputPath(f.root))
	assert.NoDirExists(t, key.ChunkDir(f.root))
	assert.NoFileExists(t, key.TempPath(f.root))
}

func TestProcessSkipsExistingArtifact(t *testing.T) {
	fetcher := &stubFetcher{table: testutil.HospitalTable(2)}
	f := newFixture(t, fetcher)
	key := sihKey(t)

	require.NoError(t, os.MkdirAll(key.Dir(f.root), 0o755))
	require.NoError(t, os.WriteFile(key.OutputPath(f.root), []byte("existing"), 0o644))

	res, err := f.proc.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Zero(t, fetcher.calls, "skip must not touch the remote source")
}

func TestProcessEmptyAfterFilter(t *testing.T) {
	// Rows present but none match the clinical filter.
	table := batch.NewTable(batch.NewRow(
		[]string{"DIAG_PRINC", "PROC_REA"},
		[]string{"A000", "1234567890"},
	))

	f := newFixture(t, &stubFetcher{table: table})
	key := sihKey(t)

	res, err := f.proc.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)

	// Empty units leave no artifact, so a later sweep revisits them.
	assert.NoFileExists(t, key.OutputPath(f.root))
}

func TestProcessFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection reset")}
	f := newFixture(t, fetcher)
	key := sihKey(t)

	res, err := f.proc.Process(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, StatusFetchFailed, res.Status)
	assert.Equal(t, fetch.KindExhausted, fetch.Classify(err))
	assert.Equal(t, 3, fetcher.calls)

	assert.NoFileExists(t, key.OutputPath(f.root))
	assert.Equal(t, 1, errlog.Count(f.errPath, key.Label()))
}

func TestProcessNotFound(t *testing.T) {
	fetcher := &stubFetcher{err: &fetch.Error{Kind: fetch.KindNotFound, Err: errors.New("550")}}
	f := newFixture(t, fetcher)
	key := sihKey(t)

	res, err := f.proc.Process(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, StatusFetchFailed, res.Status)
	assert.Equal(t, fetch.KindNotFound, fetch.Classify(err))
	assert.Equal(t, 1, fetcher.calls, "confirmed absence must not be retried")
}

func TestProcessNormalizationFailure(t *testing.T) {
	// Outpatient payload without the procedure column is malformed.
	table := batch.NewTable(batch.NewRow(
		[]string{"PA_CIDPRI"},
		[]string{"E1140"},
	))

	f := newFixture(t, &stubFetcher{table: table})

	key, err := unit.New(unit.SystemOutpatient, "RJ", 2021, 3)
	require.NoError(t, err)

	res, procErr := f.proc.Process(context.Background(), key)
	require.Error(t, procErr)
	assert.Equal(t, StatusProcessFailed, res.Status)

	assert.NoFileExists(t, key.OutputPath(f.root))
	assert.Equal(t, 1, errlog.Count(f.errPath, key.Label()))
}

func TestProcessFailureThenRetrySucceeds(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("timeout")}
	f := newFixture(t, fetcher)
	key := sihKey(t)

	_, err := f.proc.Process(context.Background(), key)
	require.Error(t, err)

	// The source recovers; the same unit completes on the next pass.
	fetcher.err = nil
	fetcher.table = testutil.HospitalTable(4)

	res, err := f.proc.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.FileExists(t, key.OutputPath(f.root))
}
