package testutil

import (
	"fmt"

	"github.com/saudelab/susetl/pkg/batch"
)

// Column layouts mirroring the subset of DATASUS extract columns the
// pipeline reads. Widths follow the published dissemination layouts.
var (
	HospitalFields = []DBFField{
		{Name: "DIAG_PRINC", Length: 6},
		{Name: "PROC_REA", Length: 10},
		{Name: "VAL_TOT", Length: 12},
		{Name: "IDADE", Length: 3},
		{Name: "SEXO", Length: 1},
		{Name: "MORTE", Length: 1},
	}

	OutpatientFields = []DBFField{
		{Name: "PA_PROC_ID", Length: 10},
		{Name: "PA_CIDPRI", Length: 6},
		{Name: "PA_VALPRO", Length: 12},
		{Name: "PA_IDADE", Length: 3},
		{Name: "PA_SEXO", Length: 1},
		{Name: "PA_OBITO", Length: 1},
	}
)

// HospitalRecord returns one live hospitalization row with the given
// diagnosis and procedure, remaining columns filled with plausible values.
func HospitalRecord(diagnosis, procedure string) DBFRecord {
	return DBFRecord{Values: []string{diagnosis, procedure, "1234.56", "62", "1", "0"}}
}

// OutpatientRecord returns one live outpatient row with the given procedure
// and primary diagnosis.
func OutpatientRecord(procedure, diagnosis string) DBFRecord {
	return DBFRecord{Values: []string{procedure, diagnosis, "98.70", "58", "3", "0"}}
}

// HospitalTable builds a raw batch with n amputation-relevant
// hospitalization rows. Diagnoses cycle through the clinical groups so
// classification paths get exercised.
func HospitalTable(n int) *batch.Table {
	diagnoses := []string{"E1140", "I702", "S720", "Z896"}

	t := batch.NewTable()
	for i := 0; i < n; i++ {
		t.Append(batch.NewRow(
			[]string{"DIAG_PRINC", "PROC_REA", "VAL_TOT", "IDADE", "SEXO", "MORTE"},
			[]string{diagnoses[i%len(diagnoses)], "0415010012", fmt.Sprintf("%d.50", 100+i), "64", "1", "0"},
		))
	}

	return t
}
