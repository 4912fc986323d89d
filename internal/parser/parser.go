// Package parser extracts a header row and row records from delimited text
// and spreadsheet files.
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/timmy/tabport/internal/apperr"
	"github.com/xuri/excelize/v2"
)

// Missing is written for spreadsheet cells that hold no value.
const Missing = "-"

// DefaultMaxRows bounds a single file when Options.MaxRows is zero.
const DefaultMaxRows = 200000

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options tunes a Parse call.
type Options struct {
	// MaxRows aborts parsing once exceeded; zero uses DefaultMaxRows,
	// negative disables the ceiling.
	MaxRows int
}

func (o Options) maxRows() int {
	if o.MaxRows == 0 {
		return DefaultMaxRows
	}
	return o.MaxRows
}

// ExtraPrefix names cells found beyond the header: the cell at 1-based
// position N is kept under ExtraPrefix+N, suffixed with "_" until it no
// longer matches a declared column.
const ExtraPrefix = "_extra_"

// Table is a parsed file. Rows are keyed by column name; cells beyond the
// header are kept under ExtraPrefix keys and listed in RawKeys.
type Table struct {
	Columns []string
	Rows    []map[string]string
	// RawKeys holds, per row, the keys the source row actually populated.
	RawKeys [][]string

	declared map[string]struct{}
}

type format int

const (
	formatDelimited format = iota
	formatSpreadsheet
)

// NormalizeExt lowercases ext and ensures a leading dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Supported reports whether ext can be parsed.
func Supported(ext string) bool {
	_, _, err := detect(ext)
	return err == nil
}

func detect(ext string) (format, rune, error) {
	switch NormalizeExt(ext) {
	case ".csv", ".txt":
		return formatDelimited, ',', nil
	case ".tsv":
		return formatDelimited, '\t', nil
	case ".xlsx", ".xlsm":
		return formatSpreadsheet, 0, nil
	default:
		return 0, 0, apperr.Newf(apperr.ErrUnsupportedFormat, "extension %q is not supported", ext)
	}
}

// Parse reads r according to ext.
func Parse(r io.Reader, ext string, opts Options) (*Table, error) {
	f, delim, err := detect(ext)
	if err != nil {
		return nil, err
	}
	if f == formatSpreadsheet {
		return parseSpreadsheet(r, opts)
	}
	return parseDelimited(r, delim, opts)
}

// Headers reads only the header row of r.
func Headers(r io.Reader, ext string) ([]string, error) {
	f, delim, err := detect(ext)
	if err != nil {
		return nil, err
	}
	if f == formatSpreadsheet {
		t, err := parseSpreadsheet(r, Options{MaxRows: -1})
		if err != nil {
			return nil, err
		}
		return t.Columns, nil
	}
	cr := newCSVReader(r, delim)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return normalizeHeader(header), nil
}

func newCSVReader(r io.Reader, delim rune) *csv.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

func parseDelimited(r io.Reader, delim rune, opts Options) (*Table, error) {
	cr := newCSVReader(r, delim)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{Columns: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &Table{Columns: normalizeHeader(header)}

	limit := opts.maxRows()
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse rows: %w", err)
		}
		if blank(record) {
			continue
		}
		if limit > 0 && len(t.Rows) >= limit {
			return nil, apperr.Newf(apperr.ErrTooManyRows, "file exceeds %d rows", limit)
		}
		t.add(record, "")
	}
	return t, nil
}

func parseSpreadsheet(r io.Reader, opts Options) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrUnsupportedFormat, "not a readable workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Table{Columns: []string{}}, nil
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("open sheet %q: %w", sheets[0], err)
	}
	defer rows.Close()

	var t *Table
	limit := opts.maxRows()
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
		}
		if t == nil {
			if blank(cells) {
				continue
			}
			t = &Table{Columns: normalizeHeader(cells)}
			continue
		}
		if blank(cells) {
			continue
		}
		if limit > 0 && len(t.Rows) >= limit {
			return nil, apperr.Newf(apperr.ErrTooManyRows, "sheet exceeds %d rows", limit)
		}
		t.add(cells, Missing)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if t == nil {
		return &Table{Columns: []string{}}, nil
	}
	return t, nil
}

// add appends record; declared cells absent from the record get filler.
func (t *Table) add(record []string, filler string) {
	row := make(map[string]string, len(t.Columns))
	keys := make([]string, 0, len(record))
	for i, col := range t.Columns {
		if i < len(record) {
			v := strings.TrimSpace(record[i])
			if v == "" && filler != "" {
				v = filler
			}
			row[col] = v
			keys = append(keys, col)
		} else {
			row[col] = filler
		}
	}
	for i := len(t.Columns); i < len(record); i++ {
		v := strings.TrimSpace(record[i])
		if v == "" {
			continue
		}
		key := t.extraKey(i + 1)
		row[key] = v
		keys = append(keys, key)
	}
	t.Rows = append(t.Rows, row)
	t.RawKeys = append(t.RawKeys, keys)
}

func (t *Table) extraKey(pos int) string {
	if t.declared == nil {
		t.declared = make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			t.declared[c] = struct{}{}
		}
	}
	key := ExtraPrefix + strconv.Itoa(pos)
	for {
		if _, taken := t.declared[key]; !taken {
			return key
		}
		key += "_"
	}
}

func normalizeHeader(raw []string) []string {
	cols := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, name := range raw {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		base, n := name, 1
		for seen[name] {
			n++
			name = base + "_" + strconv.Itoa(n)
		}
		seen[name] = true
		cols[i] = name
	}
	return cols
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
