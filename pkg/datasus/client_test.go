package datasus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saudelab/susetl/internal/testutil"
	"github.com/saudelab/susetl/pkg/fetch"
	"github.com/saudelab/susetl/pkg/unit"
)

type fakeConn struct {
	listNames    []string
	listErr      error
	chdirErr     error
	fetchPayload []byte
	fetchErr     error

	fetchCalls int
}

func (f *fakeConn) ChangeDir(string) error { return f.chdirErr }

func (f *fakeConn) List() ([]string, error) { return f.listNames, f.listErr }

func (f *fakeConn) Fetch(string) ([]byte, error) {
	f.fetchCalls++
	return f.fetchPayload, f.fetchErr
}

func (f *fakeConn) Close() error { return nil }

func newTestClient(t *testing.T, conn ftpConn, dialErr error, mirrorURL string) *Client {
	t.Helper()

	cfg := &Config{MirrorURL: mirrorURL}

	c, err := NewClient(logrus.New(), cfg)
	require.NoError(t, err)

	c.dial = func(context.Context, *Config) (ftpConn, error) {
		if dialErr != nil {
			return nil, dialErr
		}

		return conn, nil
	}

	return c
}

func mustKey(t *testing.T, system unit.System, region string, year, month int) unit.Key {
	t.Helper()

	key, err := unit.New(system, region, year, month)
	require.NoError(t, err)

	return key
}

func samplePayload() []byte {
	return testutil.EncodeDBF(testutil.HospitalFields, []testutil.DBFRecord{
		testutil.HospitalRecord("E1140", "0415010012"),
		testutil.HospitalRecord("I702", "0415020019"),
	})
}

func TestRemotePaths(t *testing.T) {
	c := newTestClient(t, &fakeConn{}, nil, "http://unused.invalid")

	tests := []struct {
		name     string
		key      unit.Key
		wantDir  string
		wantFile string
	}{
		{
			name:     "hospitalization",
			key:      mustKey(t, "SIH", "SP", 2022, 8),
			wantDir:  "/dissemin/publicos/SIHSUS/200801_/Dados",
			wantFile: "RDSP2208.dbf",
		},
		{
			name:     "outpatient",
			key:      mustKey(t, "SIA", "AC", 2019, 12),
			wantDir:  "/dissemin/publicos/SIASUS/200801_/Dados",
			wantFile: "PAAC1912.dbf",
		},
		{
			name:     "single digit month padded",
			key:      mustKey(t, "SIA", "RJ", 2021, 3),
			wantDir:  "/dissemin/publicos/SIASUS/200801_/Dados",
			wantFile: "PARJ2103.dbf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantDir, c.remoteDir(tt.key))
			assert.Equal(t, tt.wantFile, c.remoteName(tt.key))
		})
	}
}

func TestFetchUnitFTP(t *testing.T) {
	key := mustKey(t, "SIH", "SP", 2022, 8)

	t.Run("decodes payload on success", func(t *testing.T) {
		conn := &fakeConn{
			listNames:    []string{"RDSP2207.dbf", "RDSP2208.dbf"},
			fetchPayload: samplePayload(),
		}
		c := newTestClient(t, conn, nil, "http://unused.invalid")

		table, err := c.FetchUnit(context.Background(), key)
		require.NoError(t, err)
		require.Equal(t, 2, table.Len())
		assert.Equal(t, "E1140", table.Rows()[0]["diag_princ"])
	})

	t.Run("listing match is case insensitive", func(t *testing.T) {
		conn := &fakeConn{
			listNames:    []string{"rdsp2208.DBF"},
			fetchPayload: samplePayload(),
		}
		c := newTestClient(t, conn, nil, "http://unused.invalid")

		_, err := c.FetchUnit(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 1, conn.fetchCalls)
	})

	t.Run("listing failure still attempts retrieve", func(t *testing.T) {
		conn := &fakeConn{
			listErr:      errors.New("NLST not supported"),
			fetchPayload: samplePayload(),
		}
		c := newTestClient(t, conn, nil, "http://unused.invalid")

		_, err := c.FetchUnit(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 1, conn.fetchCalls)
	})
}

func TestFetchUnitNotFound(t *testing.T) {
	key := mustKey(t, "SIH", "SP", 2030, 1)

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer mirror.Close()

	t.Run("absent from listing and mirror", func(t *testing.T) {
		conn := &fakeConn{listNames: []string{"RDSP2208.dbf"}}
		c := newTestClient(t, conn, nil, mirror.URL)

		_, err := c.FetchUnit(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, fetch.KindNotFound, fetch.Classify(err))
		assert.Zero(t, conn.fetchCalls)
	})

	t.Run("ftp 550 and mirror 404", func(t *testing.T) {
		conn := &fakeConn{
			listErr:  errors.New("NLST not supported"),
			fetchErr: &textproto.Error{Code: 550, Msg: "File unavailable"},
		}
		c := newTestClient(t, conn, nil, mirror.URL)

		_, err := c.FetchUnit(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, fetch.KindNotFound, fetch.Classify(err))
	})

	t.Run("opaque not-found message is sniffed", func(t *testing.T) {
		conn := &fakeConn{
			listErr:  errors.New("NLST not supported"),
			fetchErr: errors.New("550 RDSP3001.dbf: cannot find the file specified"),
		}
		c := newTestClient(t, conn, nil, mirror.URL)

		_, err := c.FetchUnit(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, fetch.KindNotFound, fetch.Classify(err))
	})
}

func TestFetchUnitMirrorFallback(t *testing.T) {
	key := mustKey(t, "SIA", "RJ", 2021, 3)

	t.Run("transient ftp failure falls back to mirror", func(t *testing.T) {
		var gotPath string

		payload := testutil.EncodeDBF(testutil.OutpatientFields, []testutil.DBFRecord{
			testutil.OutpatientRecord("0302050019", "E1140"),
		})

		mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write(payload)
		}))
		defer mirror.Close()

		c := newTestClient(t, nil, errors.New("connection refused"), mirror.URL)

		table, err := c.FetchUnit(context.Background(), key)
		require.NoError(t, err)
		require.Equal(t, 1, table.Len())
		assert.Equal(t, "0302050019", table.Rows()[0]["pa_proc_id"])
		assert.Equal(t, "/dissemin/publicos/SIASUS/200801_/Dados/PARJ2103.dbf", gotPath)
	})

	t.Run("mirror server error stays transient", func(t *testing.T) {
		mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer mirror.Close()

		c := newTestClient(t, nil, errors.New("connection refused"), mirror.URL)

		_, err := c.FetchUnit(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, fetch.KindTransient, fetch.Classify(err))
		assert.ErrorIs(t, err, ErrMirrorStatus)
	})

	t.Run("empty mirror payload is transient", func(t *testing.T) {
		mirror := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
		defer mirror.Close()

		c := newTestClient(t, nil, errors.New("connection refused"), mirror.URL)

		_, err := c.FetchUnit(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, fetch.KindTransient, fetch.Classify(err))
		assert.ErrorIs(t, err, ErrEmptyPayload)
	})
}

func TestTestConnection(t *testing.T) {
	t.Run("ftp reachable", func(t *testing.T) {
		c := newTestClient(t, &fakeConn{}, nil, "http://unused.invalid")

		ok, msg := c.TestConnection(context.Background())
		assert.True(t, ok)
		assert.Contains(t, msg, "FTP")
	})

	t.Run("mirror fallback", func(t *testing.T) {
		mirror := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
		defer mirror.Close()

		c := newTestClient(t, nil, errors.New("connection refused"), mirror.URL)

		ok, msg := c.TestConnection(context.Background())
		assert.True(t, ok)
		assert.Contains(t, msg, "mirror")
	})

	t.Run("both unreachable", func(t *testing.T) {
		c := newTestClient(t, nil, errors.New("connection refused"), "http://127.0.0.1:1/unreachable")

		ok, _ := c.TestConnection(context.Background())
		assert.False(t, ok)
	})
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"listing miss", ErrFileNotListed, true},
		{"textproto 550", &textproto.Error{Code: 550, Msg: "unavailable"}, true},
		{"textproto 421", &textproto.Error{Code: 421, Msg: "too many users"}, false},
		{"sniffed 550", errors.New("server said 550"), true},
		{"sniffed file not found", errors.New("remote: File Not Found"), true},
		{"plain transient", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
