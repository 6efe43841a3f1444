//go:build !unix

package relaynote

// lockNotebook is a no-op where flock is unavailable.
func lockNotebook(string) (func() error, error) {
	return func() error { return nil }, nil
}
