// Package clinical holds the diagnosis-code classification shared by both
// source-system filters.
package clinical

import (
	"regexp"
	"strings"
)

// Category is one of the fixed clinical groupings derived from a diagnosis
// code. The values are persisted in the output files and queried downstream,
// so they must not change.
type Category string

const (
	// CategoryNoDiagnosis is assigned when no diagnosis code is present.
	CategoryNoDiagnosis Category = "Sem CID"
	// CategoryDiabetes covers E10-E14.
	CategoryDiabetes Category = "Diabetes"
	// CategoryVascular covers I70, I73, I74 and L97.
	CategoryVascular Category = "Vascular"
	// CategoryTrauma covers S78, S88, S98, T13.6 and S72.
	CategoryTrauma Category = "Trauma"
	// CategoryPostAmputation covers Z89, T87 and M86.
	CategoryPostAmputation Category = "Pos-Amputacao"
	// CategoryOther is the fallback for any unmatched code.
	CategoryOther Category = "Outro"
)

// Pattern is the combined clinical code filter applied to primary diagnosis
// fields in both systems.
//
//nolint:gochecknoglobals // Compiled once, read-only
var Pattern = regexp.MustCompile(`(?i)^(E1[0-4]|I70|I73|I74|L97|M86|S78|S88|S98|T13\.6|T87|Z89|S72)`)

// Category prefix sets. Priority order is load-bearing: a code is assigned
// to the first matching set, checked in the order diabetes, vascular,
// trauma, post-amputation.
//
//nolint:gochecknoglobals // Fixed domain constants
var (
	vascularPrefixes = []string{"I70", "I73", "I74", "L97"}
	traumaPrefixes   = []string{"S78", "S88", "S98", "T13.6", "S72"}
	postAmpPrefixes  = []string{"Z89", "T87", "M86"}
)

// Classify maps a primary diagnosis code to its clinical category. It is a
// total function: any input, including the empty string, yields a category.
func Classify(code string) Category {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return CategoryNoDiagnosis
	}

	if isDiabetes(code) {
		return CategoryDiabetes
	}

	if hasAnyPrefix(code, vascularPrefixes) {
		return CategoryVascular
	}

	if hasAnyPrefix(code, traumaPrefixes) {
		return CategoryTrauma
	}

	if hasAnyPrefix(code, postAmpPrefixes) {
		return CategoryPostAmputation
	}

	return CategoryOther
}

// isDiabetes reports whether the code starts with E10 through E14.
func isDiabetes(code string) bool {
	if len(code) < 3 || code[0] != 'E' || code[1] != '1' {
		return false
	}

	return code[2] >= '0' && code[2] <= '4'
}

func hasAnyPrefix(code string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}

	return false
}

// MatchesPattern reports whether a diagnosis code passes the clinical code
// filter, after the same trimming and uppercasing Classify applies.
func MatchesPattern(code string) bool {
	return Pattern.MatchString(strings.ToUpper(strings.TrimSpace(code)))
}
