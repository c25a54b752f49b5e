//go:build windows

package fsutil

import "os"

// Lock is a no-op on Windows; the in-process mutexes of the callers still
// serialize writers inside one process.
func Lock(_ *os.File) error { return nil }

// Unlock is a no-op on Windows.
func Unlock(_ *os.File) error { return nil }
