//go:build !darwin && !linux

package storage

// detectFilesystemType cannot tell filesystems apart here; every path is
// treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
