//go:build !unix

package allowliststore

import (
	"fmt"
	"os"
)

// acquireLock only touches the lock file on platforms without flock. Writers
// are not serialized there: the last writer wins.
func acquireLock(path string, perm os.FileMode) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return func() { _ = f.Close() }, nil
}
