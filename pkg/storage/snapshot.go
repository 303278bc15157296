package storage

import (
	"fmt"
	"os"

	cp "github.com/otiai10/copy"
)

// Snapshot copies the on-disk directory or file of a closed store from src to dst.
func Snapshot(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("snapshot source %s: %w", src, err)
	}
	if err := cp.Copy(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}
