// Package quality scores a parsed table.
package quality

import (
	"math"
	"strconv"
	"strings"

	"github.com/timmy/tabport/internal/domain"
)

// Weights of each rate in the composite penalty, in score points.
const (
	weightMissing   = 40
	weightDuplicate = 20
	weightInvalid   = 20
	weightSchema    = 20

	// numericThreshold is the share of non-missing values that must parse
	// as numbers for a column to be treated as numeric.
	numericThreshold = 0.7
)

// Result is the quality assessment of one table.
type Result struct {
	Score                   float64
	TrustLevel              domain.TrustLevel
	MissingRate             float64
	DuplicateRate           float64
	InvalidRate             float64
	SchemaInconsistencyRate float64
	RowCount                int
	ColumnCount             int
	NumericColumns          []string
}

// Compute scores rows against the declared columns. It has no side effects.
// Parameters:
//   - columns: declared header, in order.
//   - rows: cell values keyed by column name.
//   - rawKeys: per row, the keys the source row populated; a row without an
//     entry falls back to the keys of its map.
// Returns:
//   - Result: rates, score and trust level.
func Compute(columns []string, rows []map[string]string, rawKeys [][]string) Result {
	res := Result{RowCount: len(rows), ColumnCount: len(columns)}
	if len(rows) == 0 || len(columns) == 0 {
		res.MissingRate = 1
		res.TrustLevel = domain.TrustLow
		return res
	}

	declared := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		declared[c] = struct{}{}
	}

	present := make([]int, len(columns))
	numeric := make([]int, len(columns))
	missing := 0
	inconsistent := 0
	seen := make(map[string]struct{}, len(rows))
	duplicates := 0
	sig := make([]string, len(columns))

	for r, row := range rows {
		for i, col := range columns {
			v := row[col]
			if IsMissing(v) {
				missing++
				sig[i] = ""
				continue
			}
			present[i]++
			if IsNumeric(v) {
				numeric[i]++
			}
			sig[i] = strings.ToLower(strings.TrimSpace(v))
		}

		key := strings.Join(sig, "|")
		if _, dup := seen[key]; dup {
			duplicates++
		} else {
			seen[key] = struct{}{}
		}

		if r < len(rawKeys) {
			if undeclared(rawKeys[r], declared) {
				inconsistent++
			}
			continue
		}
		for k := range row {
			if _, ok := declared[k]; !ok {
				inconsistent++
				break
			}
		}
	}

	invalid := 0
	numericCells := 0
	for i, col := range columns {
		if present[i] == 0 || float64(numeric[i])/float64(present[i]) < numericThreshold {
			continue
		}
		res.NumericColumns = append(res.NumericColumns, col)
		invalid += present[i] - numeric[i]
		numericCells += len(rows)
	}

	n := float64(len(rows))
	res.MissingRate = float64(missing) / (n * float64(len(columns)))
	res.DuplicateRate = float64(duplicates) / n
	if numericCells > 0 {
		res.InvalidRate = float64(invalid) / float64(numericCells)
	}
	res.SchemaInconsistencyRate = float64(inconsistent) / n

	penalty := weightMissing*res.MissingRate +
		weightDuplicate*res.DuplicateRate +
		weightInvalid*res.InvalidRate +
		weightSchema*res.SchemaInconsistencyRate
	res.Score = clamp(math.Round((100-penalty)*10)/10, 0, 100)
	res.TrustLevel = Trust(res.Score)
	return res
}

func undeclared(keys []string, declared map[string]struct{}) bool {
	for _, k := range keys {
		if _, ok := declared[k]; !ok {
			return true
		}
	}
	return false
}

// Trust maps a score to its trust level.
func Trust(score float64) domain.TrustLevel {
	switch {
	case score >= 80:
		return domain.TrustHigh
	case score >= 50:
		return domain.TrustMedium
	default:
		return domain.TrustLow
	}
}

// IsMissing reports whether a cell value counts as missing.
func IsMissing(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || v == "-" {
		return true
	}
	switch strings.ToLower(v) {
	case "null", "n/a":
		return true
	}
	return false
}

// IsNumeric reports whether v looks like a number. Thousands separators,
// a leading currency sign and a trailing percent sign are tolerated.
func IsNumeric(v string) bool {
	v = strings.TrimSpace(v)
	v = strings.TrimSuffix(v, "%")
	for _, sym := range []string{"$", "€", "£"} {
		v = strings.TrimPrefix(v, sym)
	}
	v = strings.ReplaceAll(v, ",", "")
	if v == "" {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
