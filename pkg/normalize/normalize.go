// Package normalize derives the canonical filtered record set from a raw
// source batch. The two source systems ship structurally different schemas;
// each branch maps its own field names onto one output layout and applies
// the clinical relevance filter.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/saudelab/susetl/pkg/batch"
	"github.com/saudelab/susetl/pkg/clinical"
	"github.com/saudelab/susetl/pkg/unit"
)

// ErrMissingProcedureID is returned when an outpatient payload lacks the
// procedure identifier column. This is a schema fault of the source file,
// fatal for the unit; retrying the download would return the same payload.
var ErrMissingProcedureID = errors.New("source payload missing pa_proc_id column")

// Reimbursement code family for amputation/prosthesis procedures billed
// through the hospitalization system.
const hospitalizationProcedurePrefix = "0415"

// procedureIDWidth is the zero-padded width of the outpatient procedure
// identifier; the first two characters are the group, the next two the
// subgroup.
const procedureIDWidth = 10

// Ordered candidates for the per-row monetary value column. The two systems
// and their layout revisions use different names; the first present column
// wins.
//
//nolint:gochecknoglobals // Fixed domain constant
var valueColumns = []string{
	"pa_valpro", "pa_valapr", "nu_vpa_tot", "nu_pa_tot",
	"valor", "val_tot", "valor_total", "pa_valtot", "pa_val_ap",
}

// Ordered candidates for the age column.
//
//nolint:gochecknoglobals // Fixed domain constant
var ageColumns = []string{"idade", "nu_idade", "idade_anos", "pa_idade"}

// Record is one normalized, filtered row. The parquet column names are the
// processed-layer schema consumed by the downstream query engine.
type Record struct {
	System     string  `parquet:"sistema"`
	Region     string  `parquet:"uf_origem"`
	Year       int32   `parquet:"ano_cmpt"`
	Month      int32   `parquet:"mes_cmpt"`
	Diagnosis  string  `parquet:"main_icd"`
	Category   string  `parquet:"icd_group"`
	Procedure  string  `parquet:"proc_id"`
	Value      float64 `parquet:"custo_total"`
	Age        int32   `parquet:"idade"`
	AgeGroup   string  `parquet:"idade_grupo"`
	Sex        string  `parquet:"sexo"`
	Mortality  string  `parquet:"morte"`
	Orthotic   bool    `parquet:"opm_flag"`
	Physio     bool    `parquet:"fisio_flag"`
	Chapter    string  `parquet:"cid_capitulo"`
	Competence int32   `parquet:"ano_mes"`
}

// Apply filters a raw batch and derives normalized records for one unit.
// Region, year and month always come from the unit key, never from row
// data. A zero-length result is not an error.
func Apply(t *batch.Table, key unit.Key) ([]Record, error) {
	switch key.System {
	case unit.SystemHospitalization:
		return hospitalization(t, key), nil
	case unit.SystemOutpatient:
		return outpatient(t, key)
	default:
		return nil, fmt.Errorf("%w: %q", unit.ErrUnknownSystem, key.System)
	}
}

// hospitalization keeps rows whose primary diagnosis matches the clinical
// pattern or whose performed procedure starts with the amputation/prosthesis
// billing prefix. A payload without the diagnosis column yields zero rows.
func hospitalization(t *batch.Table, key unit.Key) []Record {
	if !t.HasColumn("diag_princ") {
		return nil
	}

	records := make([]Record, 0, t.Len()/8)

	for _, row := range t.Rows() {
		diag := strings.ToUpper(strings.TrimSpace(row["diag_princ"]))
		proc := strings.TrimSpace(row["proc_rea"])

		if !clinical.Pattern.MatchString(diag) && !strings.HasPrefix(proc, hospitalizationProcedurePrefix) {
			continue
		}

		rec := newRecord(key, diag, row)
		rec.Procedure = proc
		// This source never carries orthotic or physiotherapy-device
		// procedures; see the processed-layer data dictionary.
		rec.Orthotic = false
		rec.Physio = false
		rec.Mortality = strings.TrimSpace(row["morte"])

		records = append(records, rec)
	}

	return records
}

// outpatient keeps physiotherapy rows (group 03, subgroup 02) with a
// clinically relevant diagnosis, and orthotic/prosthesis rows (group 07,
// subgroups 01 and 02) regardless of diagnosis.
func outpatient(t *batch.Table, key unit.Key) ([]Record, error) {
	if t.Len() == 0 {
		return nil, nil
	}

	if !t.HasColumn("pa_proc_id") {
		return nil, ErrMissingProcedureID
	}

	records := make([]Record, 0, t.Len()/8)

	for _, row := range t.Rows() {
		proc := zeroPad(strings.TrimSpace(row["pa_proc_id"]), procedureIDWidth)
		group := proc[:2]
		subgroup := proc[2:4]
		diag := strings.ToUpper(strings.TrimSpace(row["pa_cidpri"]))

		physio := group == "03" && subgroup == "02"
		orthotic := group == "07" && (subgroup == "01" || subgroup == "02")

		keep := (physio && clinical.Pattern.MatchString(diag)) || orthotic
		if !keep {
			continue
		}

		rec := newRecord(key, diag, row)
		rec.Procedure = proc
		rec.Orthotic = orthotic
		rec.Physio = physio
		rec.Mortality = strings.TrimSpace(row["pa_obito"])

		records = append(records, rec)
	}

	return records, nil
}

// newRecord fills the fields common to both branches.
func newRecord(key unit.Key, diag string, row batch.Row) Record {
	age := parseAge(row)

	return Record{
		System:     string(key.System),
		Region:     key.Region,
		Year:       int32(key.Year),
		Month:      int32(key.Month),
		Diagnosis:  diag,
		Category:   string(clinical.Classify(diag)),
		Value:      parseValue(row),
		Age:        age,
		AgeGroup:   ageGroup(age),
		Sex:        firstValue(row, "sexo", "pa_sexo"),
		Chapter:    chapter(diag),
		Competence: int32(key.Year*100 + key.Month),
	}
}

func firstValue(row batch.Row, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(row[name]); v != "" {
			return v
		}
	}

	return ""
}

// parseValue resolves the monetary value from the first present candidate
// column. Unparseable or absent values become NaN, not zero: zero is a
// legitimate billed amount.
func parseValue(row batch.Row) float64 {
	raw := firstValue(row, valueColumns...)
	if raw == "" {
		return math.NaN()
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}

	return v
}

// parseAge resolves the age in years, -1 when absent or unparseable.
func parseAge(row batch.Row) int32 {
	raw := firstValue(row, ageColumns...)
	if raw == "" {
		return -1
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return -1
	}

	return int32(v)
}

// ageGroup buckets an age in years. TODO: align bucket boundaries with the
// reference article once the analysis team settles on one.
func ageGroup(age int32) string {
	switch {
	case age < 0:
		return ""
	case age <= 17:
		return "0-17"
	case age <= 59:
		return "18-59"
	case age <= 120:
		return "60+"
	default:
		return "outro"
	}
}

// chapter returns the ICD-10 chapter hint: the first character of the code
// when it is a letter or digit.
func chapter(diag string) string {
	if diag == "" {
		return ""
	}

	c := diag[0]
	if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
		return string(c)
	}

	return ""
}

// zeroPad left-pads s with zeros to the given width without truncating.
func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}

	return strings.Repeat("0", width-len(s)) + s
}
