// Package fswatch reports file state with BLAKE3 content hashes and polls
// watched paths for changes.
package fswatch

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Info is the observed state of one path.
type Info struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	IsDir   bool      `json:"is_dir,omitempty"`
	Hash    string    `json:"hash,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Changed reports whether i and other describe different content.
func (i Info) Changed(other Info) bool {
	return i.Exists != other.Exists ||
		i.IsDir != other.IsDir ||
		i.Hash != other.Hash ||
		i.Size != other.Size
}

// Stat hashes the file at path. A directory is hashed over its sorted listing
// of names, sizes and modification times. A missing path is not an error.
func Stat(path string) (Info, error) {
	info := Info{Path: path}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("stat %s: %w", path, err)
	}

	info.Exists = true
	info.IsDir = fi.IsDir()
	info.ModTime = fi.ModTime().UTC()

	if fi.IsDir() {
		hash, n, err := hashDir(path)
		if err != nil {
			return info, err
		}
		info.Hash = hash
		info.Size = int64(n)
		return info, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return info, err
	}
	info.Hash = hash
	info.Size = fi.Size()
	return info, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashDir(path string) (string, int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", 0, fmt.Errorf("read dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	h := blake3.New()
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", e.Name(), fi.Size(), fi.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), len(entries), nil
}

// Roots limits which paths may be watched. An empty Roots allows any
// absolute path.
type Roots []string

// Resolve cleans p and checks it against the roots.
func (r Roots) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	if !filepath.IsAbs(p) {
		p = string(filepath.Separator) + p
	}
	p = filepath.Clean(p)
	if len(r) == 0 {
		return p, nil
	}
	for _, root := range r {
		root = filepath.Clean(root)
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the watch roots", p)
}
