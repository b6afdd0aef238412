// Package datasus implements the remote fetch primitive against the DATASUS
// public dissemination tree: FTP download with an HTTP mirror fallback, and
// decoding of the dBase table payloads into raw batches.
package datasus

import (
	"errors"
	"time"
)

// Static errors for configuration validation
var (
	ErrHostRequired = errors.New("FTP host is required")
)

// Config contains remote source settings.
type Config struct {
	Host            string        `yaml:"host" default:"ftp.datasus.gov.br"`
	Port            int           `yaml:"port" default:"21"`
	RemoteDir       string        `yaml:"remoteDir" default:"/dissemin/publicos"`
	MirrorURL       string        `yaml:"mirrorUrl" default:"https://datasus-ftp-mirror.nyc3.cdn.digitaloceanspaces.com"`
	Extension       string        `yaml:"extension" default:".dbf"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}

	return nil
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "ftp.datasus.gov.br"
	}

	if c.Port == 0 {
		c.Port = 21
	}

	if c.RemoteDir == "" {
		c.RemoteDir = "/dissemin/publicos"
	}

	if c.MirrorURL == "" {
		c.MirrorURL = "https://datasus-ftp-mirror.nyc3.cdn.digitaloceanspaces.com"
	}

	if c.Extension == "" {
		c.Extension = ".dbf"
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}

	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = 10 * time.Minute
	}
}
