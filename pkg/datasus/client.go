package datasus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/saudelab/susetl/pkg/batch"
	"github.com/saudelab/susetl/pkg/fetch"
	"github.com/saudelab/susetl/pkg/unit"
)

const userAgent = "susetl/1.0"

// Static errors for the transport layer
var (
	ErrEmptyPayload   = errors.New("download returned empty payload")
	ErrFileNotListed  = errors.New("file not present in server directory listing")
	ErrMirrorStatus   = errors.New("mirror returned unexpected status")
	ErrServerNotFound = errors.New("resource does not exist on server")
)

// ftpConn is the slice of the FTP session the client uses. The concrete
// session comes from the dialer; tests substitute a fake.
type ftpConn interface {
	ChangeDir(dir string) error
	List() ([]string, error)
	Fetch(name string) ([]byte, error)
	Close() error
}

type ftpDialer func(ctx context.Context, cfg *Config) (ftpConn, error)

// Client downloads one unit's payload from the DATASUS dissemination tree
// and decodes it into a raw batch. It implements fetch.Fetcher.
// Classification of the server's "does not exist" condition happens here
// and nowhere else; callers only see tagged error kinds.
type Client struct {
	cfg  *Config
	log  logrus.FieldLogger
	http *http.Client
	dial ftpDialer
}

// NewClient builds a Client from validated config.
func NewClient(log logrus.FieldLogger, cfg *Config) (*Client, error) {
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     cfg.ConnectTimeout,
	}

	return &Client{
		cfg:  cfg,
		log:  log.WithField("component", "datasus"),
		http: &http.Client{Transport: transport, Timeout: cfg.DownloadTimeout},
		dial: dialFTP,
	}, nil
}

// FetchUnit downloads and decodes the payload for one unit. FTP is
// attempted first; transient FTP failures fall through to the HTTP mirror.
// A confirmed absence on both is returned as a NOT_FOUND fetch error.
func (c *Client) FetchUnit(ctx context.Context, key unit.Key) (*batch.Table, error) {
	payload, ftpErr := c.downloadFTP(ctx, key)

	if ftpErr != nil {
		mirrorPayload, mirrorErr := c.downloadMirror(ctx, key)
		if mirrorErr != nil {
			if isNotFound(ftpErr) && isNotFound(mirrorErr) {
				return nil, &fetch.Error{
					Kind: fetch.KindNotFound,
					Unit: key,
					Err:  fmt.Errorf("%w: ftp: %v, mirror: %v", ErrServerNotFound, ftpErr, mirrorErr),
				}
			}

			return nil, fmt.Errorf("ftp: %w; mirror: %w", ftpErr, mirrorErr)
		}

		c.log.WithField("unit", key.Label()).Info("FTP unavailable; fetched from mirror")
		payload = mirrorPayload
	}

	table, err := DecodeDBF(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", key.Label(), err)
	}

	return table, nil
}

// remoteDir returns the dissemination directory for the unit's system.
func (c *Client) remoteDir(key unit.Key) string {
	subsystem := "SIASUS"
	if key.System == unit.SystemHospitalization {
		subsystem = "SIHSUS"
	}

	return fmt.Sprintf("%s/%s/200801_/Dados", strings.TrimRight(c.cfg.RemoteDir, "/"), subsystem)
}

// remoteName returns the dissemination file name, e.g. "RDSP2208.dbf".
func (c *Client) remoteName(key unit.Key) string {
	prefix := "PA"
	if key.System == unit.SystemHospitalization {
		prefix = "RD"
	}

	return fmt.Sprintf("%s%s%02d%02d%s", prefix, key.Region, key.Year%100, key.Month, c.cfg.Extension)
}

func (c *Client) downloadFTP(ctx context.Context, key unit.Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("ftp connect: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.ChangeDir(c.remoteDir(key)); err != nil {
		return nil, fmt.Errorf("ftp chdir: %w", err)
	}

	name := c.remoteName(key)

	// Listing the directory before RETR turns the common 550 into a
	// definite answer: absence from the inventory is a confirmed miss, not
	// a flaky transfer. Some servers reject NLST; fall through to RETR.
	if names, listErr := conn.List(); listErr == nil && !containsFold(names, name) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotListed, name)
	}

	payload, err := conn.Fetch(name)
	if err != nil {
		return nil, fmt.Errorf("ftp retrieve: %w", err)
	}

	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	return payload, nil
}

func (c *Client) downloadMirror(ctx context.Context, key unit.Key) ([]byte, error) {
	url := fmt.Sprintf("%s%s/%s",
		strings.TrimRight(c.cfg.MirrorURL, "/"),
		c.remoteDir(key),
		c.remoteName(key),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("mirror request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %d", ErrServerNotFound, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %d", ErrMirrorStatus, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mirror read: %w", err)
	}

	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	return payload, nil
}

// TestConnection verifies connectivity before a sweep: FTP first, mirror as
// fallback. It never returns an error; the result is informational.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, c.cfg)
	if err == nil {
		cdErr := conn.ChangeDir(c.cfg.RemoteDir)
		_ = conn.Close()

		if cdErr == nil {
			return true, fmt.Sprintf("connected to FTP %s", c.cfg.Host)
		}

		err = cdErr
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.MirrorURL, http.NoBody)
	if reqErr == nil {
		req.Header.Set("User-Agent", userAgent)

		if resp, doErr := c.http.Do(req); doErr == nil {
			_ = resp.Body.Close()
			return true, "FTP unavailable; mirror reachable"
		}
	}

	return false, fmt.Sprintf("FTP and mirror unreachable: %v", err)
}

// isNotFound recognizes the server-side "does not exist" condition.
// Substring sniffing of opaque messages is confined to this adapter; the
// rest of the pipeline only sees tagged kinds.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrServerNotFound) || errors.Is(err, ErrFileNotListed) {
		return true
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable {
		return true
	}

	msg := strings.ToUpper(err.Error())

	return strings.Contains(msg, "550") ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "FILE NOT FOUND") ||
		strings.Contains(msg, "CANNOT FIND THE FILE")
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}

	return false
}

// dialFTP opens a real session against the configured server with an
// anonymous login.
func dialFTP(ctx context.Context, cfg *Config) (ftpConn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, err
	}

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		_ = conn.Quit()
		return nil, err
	}

	return &serverConn{conn: conn}, nil
}

// serverConn adapts *ftp.ServerConn to the ftpConn interface.
type serverConn struct {
	conn *ftp.ServerConn
}

func (s *serverConn) ChangeDir(dir string) error {
	return s.conn.ChangeDir(dir)
}

func (s *serverConn) List() ([]string, error) {
	return s.conn.NameList("")
}

func (s *serverConn) Fetch(name string) ([]byte, error) {
	resp, err := s.conn.Retr(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Close() }()

	return io.ReadAll(resp)
}

func (s *serverConn) Close() error {
	return s.conn.Quit()
}
