// Package checksum hashes candidate files and decides whether they are at rest.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/timmy/tabport/internal/apperr"
)

// Info describes an inspected file.
type Info struct {
	Path       string
	Size       int64
	ModifiedAt time.Time
	Checksum   string
	Stable     bool
}

// Detector computes content hashes and the quiescence check.
type Detector struct {
	// Window is how long a file must stay unmodified before it is read.
	Window time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewDetector creates a Detector with the given stability window.
func NewDetector(window time.Duration) *Detector {
	return &Detector{Window: window, Now: time.Now}
}

func (d *Detector) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Stable reports whether modTime is at least Window in the past.
func (d *Detector) Stable(modTime time.Time) bool {
	return d.now().Sub(modTime) >= d.Window
}

// Hash streams the file at path through SHA-256.
func (d *Detector) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the hex SHA-256 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Inspect stats path and hashes it when stable. An unstable file is returned
// with Stable=false, no checksum, and apperr.ErrUnstableFile.
func (d *Detector) Inspect(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	info := &Info{
		Path:       path,
		Size:       st.Size(),
		ModifiedAt: st.ModTime(),
	}
	if !d.Stable(st.ModTime()) {
		return info, apperr.Newf(apperr.ErrUnstableFile, "%s modified %s ago", path, d.now().Sub(st.ModTime()).Round(time.Second))
	}
	info.Stable = true

	sum, err := d.Hash(path)
	if err != nil {
		return nil, err
	}
	// A write landing during the hash invalidates the checksum.
	after, err := os.Stat(path)
	if err == nil && (!after.ModTime().Equal(st.ModTime()) || after.Size() != st.Size()) {
		return info, apperr.Newf(apperr.ErrUnstableFile, "%s changed while hashing", path)
	}
	info.Checksum = sum
	return info, nil
}
