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

package wc

import (
	"fmt"
	"path"

	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

// StatusKind classifies one dimension (text or properties) of an
// entry's state.
type StatusKind int

const (
	StatusNone StatusKind = iota
	StatusNormal
	StatusModified
	StatusAdded
	StatusReplaced
	StatusDeleted
	StatusConflicted
)

func (s StatusKind) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusModified:
		return "modified"
	case StatusAdded:
		return "added"
	case StatusReplaced:
		return "replaced"
	case StatusDeleted:
		return "deleted"
	case StatusConflicted:
		return "conflicted"
	default:
		return "none"
	}
}

// Code is the one-column rendering used by the status command.
func (s StatusKind) Code() byte {
	switch s {
	case StatusModified:
		return 'M'
	case StatusAdded:
		return 'A'
	case StatusReplaced:
		return 'R'
	case StatusDeleted:
		return 'D'
	case StatusConflicted:
		return 'C'
	default:
		return ' '
	}
}

// Status is the assembled state of one versioned entry.
type Status struct {
	Entry      *adm.Entry
	TextStatus StatusKind
	PropStatus StatusKind
}

// assembleStatus classifies the text and property dimensions of ENTRY
// at PATH. A nil entry yields the all-none status of an unversioned
// entity.
func assembleStatus(fs afero.Fs, filePath string, entry *adm.Entry) (*Status, error) {
	status := &Status{Entry: entry}
	if entry == nil {
		return status, nil
	}
	status.TextStatus = StatusNormal
	status.PropStatus = StatusNone

	dir, name := adm.SplitPath(filePath)
	if entry.Name == "" {
		dir, name = filePath, ""
	}

	propExists, err := afero.Exists(fs, adm.PropPath(dir, name, false))
	if err != nil {
		return nil, err
	}
	if propExists {
		status.PropStatus = StatusNormal
		modified, err := adm.PropsModified(fs, dir, name)
		if err != nil {
			return nil, err
		}
		if modified {
			status.PropStatus = StatusModified
		}
	}

	if entry.Kind == adm.KindFile {
		modified, err := adm.TextModified(fs, filePath)
		if err != nil {
			return nil, err
		}
		if modified {
			status.TextStatus = StatusModified
		}
	}

	switch entry.Schedule {
	case adm.ScheduleAdd:
		status.TextStatus = StatusAdded
		if propExists {
			status.PropStatus = StatusAdded
		}
	case adm.ScheduleReplace:
		status.TextStatus = StatusReplaced
		if propExists {
			status.PropStatus = StatusReplaced
		}
	case adm.ScheduleDelete:
		status.TextStatus = StatusDeleted
		if propExists {
			status.PropStatus = StatusDeleted
		}
	}

	if entry.Conflicted {
		conflictDir := dir
		if entry.Kind == adm.KindDir {
			conflictDir = filePath
		}
		textConflict, propConflict, err := adm.Conflicted(fs, conflictDir, entry)
		if err != nil {
			return nil, err
		}
		if textConflict {
			status.TextStatus = StatusConflicted
		}
		if propConflict {
			status.PropStatus = StatusConflicted
		}
	}

	return status, nil
}

// GetStatus assembles the status of a single path.
func GetStatus(fs afero.Fs, filePath string) (*Status, error) {
	entry, err := adm.GetEntry(fs, filePath)
	if err != nil {
		return nil, err
	}
	return assembleStatus(fs, filePath, entry)
}

// Statuses fills STATUSHASH with a Status per versioned entry at or
// below PATH. The directory's own record is added under the directory
// path only when nothing claimed that key yet, keeping keys unique
// during recursion.
func Statuses(fs afero.Fs, filePath string, descend bool, statushash map[string]*Status) error {
	isDir, err := afero.DirExists(fs, filePath)
	if err != nil {
		return err
	}

	if !isDir {
		dir, name := adm.SplitPath(filePath)
		entries, err := adm.ReadEntries(fs, dir)
		if err != nil {
			return err
		}
		entry := entries.Get(name)
		if entry == nil {
			return fmt.Errorf("%w: %s", ErrBadFilename, filePath)
		}
		status, err := assembleStatus(fs, filePath, entry)
		if err != nil {
			return err
		}
		statushash[filePath] = status
		return nil
	}

	entries, err := adm.ReadEntries(fs, filePath)
	if err != nil {
		return err
	}

	for _, name := range entries.Names() {
		entry := entries.Get(name)
		fullPath := filePath
		if name != "" {
			fullPath = path.Join(filePath, name)
		}

		if name == "" {
			if _, seen := statushash[fullPath]; !seen {
				status, err := assembleStatus(fs, fullPath, entry)
				if err != nil {
					return err
				}
				statushash[fullPath] = status
			}
			continue
		}

		onDiskDir, err := afero.DirExists(fs, fullPath)
		if err != nil {
			return err
		}

		if onDiskDir {
			// The directory's full record lives in its own this-dir
			// entry when it carries an admin area.
			subEntry := entry
			if ok, err := adm.IsWorkingCopy(fs, fullPath); err != nil {
				return err
			} else if ok {
				subEntries, err := adm.ReadEntries(fs, fullPath)
				if err != nil {
					return err
				}
				if thisDir := subEntries.ThisDir(); thisDir != nil {
					subEntry = thisDir
				}
			}
			status, err := assembleStatus(fs, fullPath, subEntry)
			if err != nil {
				return err
			}
			statushash[fullPath] = status
			if descend {
				if err := Statuses(fs, fullPath, descend, statushash); err != nil {
					return err
				}
			}
		} else {
			status, err := assembleStatus(fs, fullPath, entry)
			if err != nil {
				return err
			}
			statushash[fullPath] = status
		}
	}

	return nil
}
