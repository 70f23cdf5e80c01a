//go:build !unix

package capture

import (
	"fmt"
	"os"
)

func statDevice(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return nil
}
