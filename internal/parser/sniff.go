package parser

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/timmy/tabport/internal/apperr"
)

// Content types that must never be accepted as tabular data, matched against
// the detected type and its parents.
var blockedTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-sharedlib",
	"application/x-msi",
	"application/zip",
	"application/gzip",
	"application/x-tar",
	"application/x-7z-compressed",
	"application/x-rar-compressed",
	"application/x-bzip2",
	"application/x-xz",
	"text/x-shellscript",
}

// Sniff inspects content and rejects executables and archives that claim a
// tabular extension. Spreadsheets are zip containers and pass when the
// detected type is an Office spreadsheet.
func Sniff(content []byte, ext string) error {
	mt := mimetype.Detect(content)
	f, _, err := detect(ext)
	if err != nil {
		return err
	}
	if f == formatSpreadsheet && isSpreadsheet(mt) {
		return nil
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, blocked := range blockedTypes {
			if m.Is(blocked) {
				return apperr.Newf(apperr.ErrMalwareDetected, "content detected as %s does not match extension %s", mt.String(), NormalizeExt(ext))
			}
		}
	}
	return nil
}

func isSpreadsheet(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		s := m.String()
		if strings.HasPrefix(s, "application/vnd.openxmlformats-officedocument.spreadsheetml") ||
			strings.HasPrefix(s, "application/vnd.ms-excel") {
			return true
		}
	}
	return false
}
