// Package unit provides unit keys and the deterministic filesystem layout
// derived from them. A unit is one (system, region, year, month) combination,
// the smallest schedulable piece of work; its output path doubles as the
// processing checkpoint.
package unit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// System identifies which DATASUS subsystem a unit belongs to.
type System string

const (
	// SystemHospitalization is the SIH-RD hospitalization record system.
	SystemHospitalization System = "SIH"
	// SystemOutpatient is the SIA-PA outpatient procedure system.
	SystemOutpatient System = "SIA"
)

// Static errors for key validation
var (
	ErrUnknownSystem = errors.New("unknown system selector")
	ErrUnknownRegion = errors.New("unknown federal unit code")
	ErrInvalidMonth  = errors.New("month must be between 1 and 12")
	ErrInvalidYear   = errors.New("year out of plausible range")
)

// Regions lists the 27 federal unit codes covered by a full sweep.
//
//nolint:gochecknoglobals // Fixed domain constant
var Regions = []string{
	"AC", "AL", "AM", "AP", "BA", "CE", "DF", "ES", "GO",
	"MA", "MG", "MS", "MT", "PA", "PB", "PE", "PI", "PR",
	"RJ", "RN", "RO", "RR", "RS", "SC", "SE", "SP", "TO",
}

// Key identifies exactly one output file. Immutable once built; all
// checkpoint and output paths are computed from it deterministically.
type Key struct {
	System System
	Region string
	Year   int
	Month  int
}

// ParseSystem resolves a CLI or config system selector. Both the short form
// (SIH, SIA) and the full dissemination name (SIH-RD, SIA-PA) are accepted.
func ParseSystem(s string) (System, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SIH", "SIH-RD":
		return SystemHospitalization, nil
	case "SIA", "SIA-PA":
		return SystemOutpatient, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSystem, s)
	}
}

// New builds a validated unit key.
func New(system System, region string, year, month int) (Key, error) {
	region = strings.ToUpper(strings.TrimSpace(region))

	if !validRegion(region) {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}

	if month < 1 || month > 12 {
		return Key{}, fmt.Errorf("%w: %d", ErrInvalidMonth, month)
	}

	if year < 1990 || year > 2100 {
		return Key{}, fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}

	return Key{System: system, Region: region, Year: year, Month: month}, nil
}

func validRegion(region string) bool {
	for _, r := range Regions {
		if r == region {
			return true
		}
	}

	return false
}

// Label returns the log context string for this unit (e.g. "SIH SP 2022 08").
func (k Key) Label() string {
	return fmt.Sprintf("%s %s %d %02d", k.System, k.Region, k.Year, k.Month)
}

// Prefix returns the lowercase file-name prefix for the unit's system.
func (k Key) Prefix() string {
	if k.System == SystemHospitalization {
		return "sih"
	}

	return "sia"
}

// FileName returns the final artifact name, e.g. "sih_SP_2022_08.parquet".
func (k Key) FileName() string {
	return fmt.Sprintf("%s_%s_%d_%02d.parquet", k.Prefix(), k.Region, k.Year, k.Month)
}

// Dir returns the partition directory under root: sistema=X/ano=Y/uf=Z.
func (k Key) Dir(root string) string {
	return filepath.Join(
		root,
		fmt.Sprintf("sistema=%s", k.System),
		fmt.Sprintf("ano=%d", k.Year),
		fmt.Sprintf("uf=%s", k.Region),
	)
}

// OutputPath returns the canonical output artifact path. Its existence is
// the unit's checkpoint.
func (k Key) OutputPath(root string) string {
	return filepath.Join(k.Dir(root), k.FileName())
}

// ChunkDir returns the per-unit temporary chunk directory. It lives beside
// the final artifact so that the finalize rename stays on one filesystem.
func (k Key) ChunkDir(root string) string {
	stem := strings.TrimSuffix(k.FileName(), ".parquet")

	return filepath.Join(k.Dir(root), ".chunks_"+stem)
}

// TempPath returns the provisional merged file path used before the atomic
// rename into OutputPath.
func (k Key) TempPath(root string) string {
	return k.OutputPath(root) + ".tmp"
}
