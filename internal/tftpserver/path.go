package tftpserver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapesRoot is returned when a requested filename, once
// normalized, would resolve outside the configured root directory
// (spec.md §4.5 step 1).
var ErrPathEscapesRoot = errors.New("tftpserver: path escapes root directory")

// ErrNotRegularFile is returned for requests naming a directory, device, or
// other non-regular file.
var ErrNotRegularFile = errors.New("tftpserver: not a regular file")

// resolvePath joins name onto root, rejecting anything that normalizes to
// outside of root: a name such as "../../etc/passwd" that would walk above
// root returns ErrPathEscapesRoot. A leading "/" in name is taken as
// relative to root.
func resolvePath(root, name string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	full := filepath.Join(rootAbs, name)

	if full != rootAbs && !strings.HasPrefix(full, rootAbs+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}

	return full, nil
}

// statRegular resolves name against root and stats it, rejecting anything
// that isn't a regular file.
func statRegular(root, name string) (string, os.FileInfo, error) {
	full, err := resolvePath(root, name)
	if err != nil {
		return "", nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return "", nil, err
	}
	if !fi.Mode().IsRegular() {
		return "", nil, ErrNotRegularFile
	}

	return full, fi, nil
}
