//go:build unix

package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// statDevice checks that a device node exists and is readable before an
// external process is spawned against it.
func statDevice(path string) error {
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return nil
}
