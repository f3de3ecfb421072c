package fileprimary

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// headerMagic identifies a fileprimary header file to distinguish it from
// an unrelated file accidentally pointed at by path.
var headerMagic = [4]byte{'S', 'T', 'H', 'P'}

const headerVersion = 1

// header is the small fixed-layout record written once at the front of
// the header file (path + ".info", matching the teacher's own
// convention in gsfaprimary.go).
type header struct {
	version     byte
	compression bool
}

func (h header) encode() []byte {
	b := make([]byte, 6)
	copy(b[:4], headerMagic[:])
	b[4] = h.version
	if h.compression {
		b[5] = 1
	}
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) != 6 || b[0] != headerMagic[0] || b[1] != headerMagic[1] || b[2] != headerMagic[2] || b[3] != headerMagic[3] {
		return header{}, fmt.Errorf("not a fileprimary header file")
	}
	return header{version: b[4], compression: b[5] == 1}, nil
}

func headerPath(dataPath string) string {
	return filepath.Clean(dataPath) + ".info"
}

// readHeader reads the header file, returning os.ErrNotExist if absent.
func readHeader(path string) (header, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return header{}, err
	}
	return decodeHeader(b)
}

// writeHeader writes the header atomically: the new content is written to
// a uuid-suffixed temp file in the same directory, then renamed over the
// destination, so a reader never observes a partially written header.
// Grounded on the teacher's saveBucketState tmp-then-rename pattern, but
// with a collision-proof suffix instead of a single fixed ".tmp" name,
// since multiple short-lived CLI invocations may race to (re)write the
// same header.
func writeHeader(path string, h header) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	if err := os.WriteFile(tmpPath, h.encode(), 0o644); err != nil {
		return fmt.Errorf("writing temp header: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming header into place: %w", err)
	}
	return nil
}
