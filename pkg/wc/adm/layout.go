/*
Copyright © 2024 The Tessera Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package adm owns the administrative area kept under each versioned
// directory: entry records, pristine text and property bases, the
// operation journal and the directory lock. Everything here speaks
// afero so the whole layer runs equally over the real filesystem and
// the in-memory one used by tests.
package adm

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

const (
	// AdminDirName is the administrative subdirectory of every
	// versioned directory.
	AdminDirName = ".tessera"

	entriesFileName     = "entries"
	logFileName         = "log"
	lockFileName        = "lock"
	textBaseDirName     = "text-base"
	propBaseDirName     = "prop-base"
	propsDirName        = "props"
	tmpDirName          = "tmp"
	dirPropsFileName    = "dir-props"
	dirPropBaseFileName = "dir-prop-base"

	// BaseExt suffixes pristine base files so a working file can never
	// shadow its own base.
	BaseExt = ".tsb"

	// RejExt and DiffExt suffix reject files and staged patch files.
	RejExt  = ".rej"
	PrejExt = ".prej"
	DiffExt = ".diff"
	TmpExt  = ".tmp"
	OrigExt = ".orig"

	// TimestampWC is the sentinel timestamp value replaced at journal
	// replay time with the working file's actual mtime.
	TimestampWC = "working"
)

var (
	ErrObstructed     = errors.New("obstructed update")
	ErrNotWorkingCopy = errors.New("not a working copy directory")
)

// AdminPath joins DIR's admin directory with NAMES.
func AdminPath(dir string, names ...string) string {
	parts := append([]string{dir, AdminDirName}, names...)
	return path.Join(parts...)
}

// LogPath returns the journal file of DIR.
func LogPath(dir string) string { return AdminPath(dir, logFileName) }

// LockPath returns the lock sentinel of DIR.
func LockPath(dir string) string { return AdminPath(dir, lockFileName) }

// EntriesPath returns the entries file of DIR.
func EntriesPath(dir string) string { return AdminPath(dir, entriesFileName) }

// TextBasePath returns the pristine (or, with tmp, the staging) base
// path of the working file at FILEPATH.
func TextBasePath(filePath string, tmp bool) string {
	dir, name := path.Split(filePath)
	if tmp {
		return AdminPath(path.Clean(dir), tmpDirName, textBaseDirName, name+BaseExt)
	}
	return AdminPath(path.Clean(dir), textBaseDirName, name+BaseExt)
}

// PropPath returns the working property list of the entry. An empty
// NAME addresses the directory's own properties.
func PropPath(dir, name string, tmp bool) string {
	if name == "" {
		if tmp {
			return AdminPath(dir, tmpDirName, dirPropsFileName)
		}
		return AdminPath(dir, dirPropsFileName)
	}
	if tmp {
		return AdminPath(dir, tmpDirName, propsDirName, name)
	}
	return AdminPath(dir, propsDirName, name)
}

// PropBasePath returns the pristine property list of the entry.
func PropBasePath(dir, name string, tmp bool) string {
	if name == "" {
		if tmp {
			return AdminPath(dir, tmpDirName, dirPropBaseFileName)
		}
		return AdminPath(dir, dirPropBaseFileName)
	}
	if tmp {
		return AdminPath(dir, tmpDirName, propBaseDirName, name+BaseExt)
	}
	return AdminPath(dir, propBaseDirName, name+BaseExt)
}

// TmpPath returns a scratch location inside DIR's admin tmp area.
func TmpPath(dir string, name string) string {
	return AdminPath(dir, tmpDirName, name)
}

// IsWorkingCopy reports whether DIR carries an admin area.
func IsWorkingCopy(fs afero.Fs, dir string) (bool, error) {
	ok, err := afero.Exists(fs, EntriesPath(dir))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// EnsureAdminArea makes DIR a working-copy directory for URL at
// REVISION, creating the admin skeleton and an initial entries file.
// A directory that already is a working copy is verified instead: a
// recorded URL different from the requested one is an obstruction.
func EnsureAdminArea(fs afero.Fs, dir, url string, revision int64) error {
	isWC, err := IsWorkingCopy(fs, dir)
	if err != nil {
		return err
	}

	if isWC {
		entries, err := ReadEntries(fs, dir)
		if err != nil {
			return err
		}
		thisDir := entries.ThisDir()
		if thisDir != nil && thisDir.URL != "" && url != "" && thisDir.URL != url {
			return fmt.Errorf("%w: directory %s belongs to %s, not %s",
				ErrObstructed, dir, thisDir.URL, url)
		}
		return nil
	}

	for _, sub := range [][]string{
		{},
		{textBaseDirName},
		{propBaseDirName},
		{propsDirName},
		{tmpDirName},
		{tmpDirName, textBaseDirName},
		{tmpDirName, propBaseDirName},
		{tmpDirName, propsDirName},
	} {
		if err := fs.MkdirAll(AdminPath(dir, sub...), 0o755); err != nil {
			return err
		}
	}

	entries := NewEntries()
	entries.Set(&Entry{
		Name:     "",
		Kind:     KindDir,
		Revision: revision,
		URL:      url,
	})
	return WriteEntries(fs, dir, entries)
}

// EnsureDirectory creates DIR (and parents) when missing; an existing
// non-directory is an obstruction.
func EnsureDirectory(fs afero.Fs, dir string) error {
	info, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fs.MkdirAll(dir, 0o755)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s exists and is not a directory", ErrObstructed, dir)
	}
	return nil
}

// JoinURL joins a repository URL and an entry name, tolerating a
// trailing slash on the base.
func JoinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}

// SplitPath splits PATH into its parent directory and basename. The
// parent of a bare name is ".".
func SplitPath(p string) (dir, name string) {
	dir, name = path.Split(path.Clean(p))
	if dir == "" {
		return ".", name
	}
	return path.Clean(dir), name
}

func splitPath(p string) (string, string) { return SplitPath(p) }

// renameOver renames SRC onto DST, replacing DST when present. The
// remove-then-retry path only runs on backends whose rename refuses to
// replace.
func renameOver(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := fs.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fs.Rename(src, dst)
}

// writeFileAtomic writes DATA next to PATH and renames it into place.
func writeFileAtomic(fs afero.Fs, filePath string, data []byte, perm os.FileMode) error {
	tmp := filePath + TmpExt
	if err := afero.WriteFile(fs, tmp, data, perm); err != nil {
		return err
	}
	return renameOver(fs, tmp, filePath)
}
