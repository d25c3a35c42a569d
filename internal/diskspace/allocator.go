// Package diskspace pre-allocates a parallel download's sink file after
// confirming there is enough free space on the target filesystem, using
// gopsutil to read disk usage the same way the host OS would report it to
// a user.
package diskspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// safetyMarginBytes is kept free beyond the requested size so a parallel
// download never runs a volume down to zero bytes free.
const safetyMarginBytes = 100 * 1024 * 1024

// CheckFreeSpace refuses allocation if the filesystem containing dir has
// less than size+safetyMarginBytes free.
func CheckFreeSpace(dir string, size int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("diskspace: %w", err)
	}
	need := uint64(size) + safetyMarginBytes
	if usage.Free < need {
		return fmt.Errorf("diskspace: need %d bytes free, have %d", need, usage.Free)
	}
	return nil
}

// Allocate creates (or truncates) path to exactly size bytes after a free
// space check, for a parallel download's pre-sized .part file.
func Allocate(path string, size int64) (*os.File, error) {
	if err := CheckFreeSpace(filepath.Dir(path), size); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
