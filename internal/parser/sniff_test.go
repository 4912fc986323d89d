package parser

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/xuri/excelize/v2"
)

func zipBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("payload.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("not a spreadsheet"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func xlsxBytes(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"partner", "revenue"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestSniff(t *testing.T) {
	elf := append([]byte("\x7fELF\x02\x01\x01\x00"), make([]byte, 64)...)
	elf[16] = 2

	testCases := []struct {
		name    string
		content []byte
		ext     string
		malware bool
	}{
		{name: "csv text", content: []byte("partner,revenue\nacme,10\n"), ext: ".csv"},
		{name: "empty csv", content: nil, ext: ".csv"},
		{name: "real spreadsheet", content: xlsxBytes(t), ext: ".xlsx"},
		{name: "executable named csv", content: elf, ext: ".csv", malware: true},
		{name: "archive named csv", content: zipBytes(t), ext: ".csv", malware: true},
		{name: "archive named xlsx", content: zipBytes(t), ext: ".xlsx", malware: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Sniff(tc.content, tc.ext)
			if tc.malware {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperr.ErrMalwareDetected))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSniffRejectsUnknownExtension(t *testing.T) {
	err := Sniff([]byte("a,b"), ".pdf")
	assert.True(t, errors.Is(err, apperr.ErrUnsupportedFormat))
}
