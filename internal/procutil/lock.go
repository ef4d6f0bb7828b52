// Package procutil — lock.go
//
// File-presence sentinels: the recovery lock and the flag files of
// spec.md §3.4 are all "a file exists, with some diagnostic content" —
// this file provides the shared create/read/remove primitives so
// internal/recovery and internal/update don't duplicate the os.* calls.

package procutil

import (
	"fmt"
	"os"
)

// SentinelExists reports whether path exists, treating any stat error
// other than not-exist as "does not exist" (conservative: a sentinel we
// can't stat is a sentinel we can't trust).
func SentinelExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteSentinel atomically creates or replaces a sentinel file with the
// given contents.
func WriteSentinel(path string, contents []byte) error {
	if err := AtomicWrite(path, contents, 0o644); err != nil {
		return fmt.Errorf("procutil.WriteSentinel(%q): %w", path, err)
	}
	return nil
}

// ReadSentinel returns the contents of a sentinel file, or (nil, false)
// if it does not exist.
func ReadSentinel(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("procutil.ReadSentinel(%q): %w", path, err)
	}
	return data, true, nil
}

// RemoveSentinel deletes a sentinel file. Missing is not an error.
func RemoveSentinel(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("procutil.RemoveSentinel(%q): %w", path, err)
	}
	return nil
}
