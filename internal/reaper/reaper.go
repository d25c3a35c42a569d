// Package reaper finalizes a download's on-disk artifact: renaming the
// .part file to its final path on success, or removing it (and its resume
// sidecar) when a cancel or restart means the partial bytes will not be
// resumed into.
package reaper

import (
	"os"

	"github.com/lkaranl/keeper/internal/pathstore"
	"github.com/lkaranl/keeper/internal/resumestate"
)

// Finalize renames partPath to finalPath, which is atomic as long as both
// live on the same filesystem (true for any path under one download
// directory). Any sidecar resume state is removed since it no longer
// applies to a completed file.
func Finalize(partPath, finalPath string) error {
	if err := os.Rename(partPath, finalPath); err != nil {
		return err
	}
	return resumestate.Remove(pathstore.ResumeStatePath(partPath))
}

// Discard removes partPath and its resume sidecar, used on cancel or
// restart when the partial bytes must not be resumed into later.
func Discard(partPath string) error {
	if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return resumestate.Remove(pathstore.ResumeStatePath(partPath))
}
