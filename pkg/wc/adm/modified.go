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

package adm

import (
	"bytes"

	"github.com/spf13/afero"
)

// EffectiveEOLStyle resolves the eol-style of the working file from
// its working property list.
func EffectiveEOLStyle(fs afero.Fs, filePath string) (EOLStyle, string, error) {
	dir, name := splitPath(filePath)
	props, err := LoadPropFile(fs, PropPath(dir, name, false))
	if err != nil {
		return EOLNone, "", err
	}
	style, eol := EOLStyleFromValue(props[PropEOLStyle])
	return style, eol, nil
}

// EffectiveKeywords resolves the active keyword set of the working
// file. FORCEVALUE, when non-empty, overrides the keywords property
// (used while a fresh value is still in flight and not yet installed).
// Substitution values come from the entry's committed provenance and
// its (or its parent-derived) URL.
func EffectiveKeywords(fs afero.Fs, filePath, forceValue string) (*Keywords, error) {
	dir, name := splitPath(filePath)

	value := forceValue
	if value == "" {
		props, err := LoadPropFile(fs, PropPath(dir, name, false))
		if err != nil {
			return nil, err
		}
		value = props[PropKeywords]
	}
	if value == "" {
		return nil, nil
	}

	var committedRev, committedDate, lastAuthor, url string
	if ok, err := IsWorkingCopy(fs, dir); err != nil {
		return nil, err
	} else if ok {
		entries, err := ReadEntries(fs, dir)
		if err != nil {
			return nil, err
		}
		if entry := entries.Get(name); entry != nil {
			committedRev = entry.CommittedRev
			committedDate = entry.CommittedDate
			lastAuthor = entry.LastAuthor
			url = entry.URL
		}
		if url == "" {
			if thisDir := entries.ThisDir(); thisDir != nil && thisDir.URL != "" {
				url = JoinURL(thisDir.URL, name)
			}
		}
	}

	return KeywordsFromValue(value, committedRev, committedDate, lastAuthor, url), nil
}

// HasBinaryProp reports whether the working file's mime-type property
// marks it binary. This judges the property, not the bytes.
func HasBinaryProp(fs afero.Fs, filePath string) (bool, error) {
	dir, name := splitPath(filePath)
	props, err := LoadPropFile(fs, PropPath(dir, name, false))
	if err != nil {
		return false, err
	}
	mime, ok := props[PropMimeType]
	if !ok {
		return false, nil
	}
	return !IsTextualMime(mime), nil
}

// IsTextualMime reports whether a mime-type marks textual content.
func IsTextualMime(mime string) bool {
	if mime == "" {
		return true
	}
	if len(mime) >= 5 && mime[:5] == "text/" {
		return true
	}
	switch mime {
	case "image/x-xbitmap", "image/x-xpixmap":
		return true
	}
	return false
}

// TextModified reports whether the working file differs from its
// pristine text base. The comparison happens in repository normal
// form, so eol translation and keyword expansion alone never count as
// modification. A missing working file is unmodified; a missing base
// under an existing working file is modified.
func TextModified(fs afero.Fs, filePath string) (bool, error) {
	workingExists, err := afero.Exists(fs, filePath)
	if err != nil {
		return false, err
	}
	if !workingExists {
		return false, nil
	}

	basePath := TextBasePath(filePath, false)
	baseExists, err := afero.Exists(fs, basePath)
	if err != nil {
		return false, err
	}
	if !baseExists {
		return true, nil
	}

	working, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return false, err
	}
	base, err := afero.ReadFile(fs, basePath)
	if err != nil {
		return false, err
	}

	style, _, err := EffectiveEOLStyle(fs, filePath)
	if err != nil {
		return false, err
	}
	keywords, err := EffectiveKeywords(fs, filePath, "")
	if err != nil {
		return false, err
	}

	normalized, err := Detranslate(working, style, keywords)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(normalized, base), nil
}

// PropsModified reports whether the working property list of entry
// NAME under DIR differs from its pristine base.
func PropsModified(fs afero.Fs, dir, name string) (bool, error) {
	workingPath := PropPath(dir, name, false)
	exists, err := afero.Exists(fs, workingPath)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	working, err := LoadPropFile(fs, workingPath)
	if err != nil {
		return false, err
	}
	base, err := LoadPropFile(fs, PropBasePath(dir, name, false))
	if err != nil {
		return false, err
	}

	if len(working) != len(base) {
		return true, nil
	}
	for name, value := range working {
		baseValue, ok := base[name]
		if !ok || baseValue != value {
			return true, nil
		}
	}
	return false, nil
}

// Conflicted reports whether the entry's recorded conflicts are still
// standing, i.e. its reject files still exist on disk.
func Conflicted(fs afero.Fs, dir string, entry *Entry) (textConflict, propConflict bool, err error) {
	if !entry.Conflicted {
		return false, false, nil
	}

	if entry.RejectFile != "" {
		exists, err := afero.Exists(fs, dir+"/"+entry.RejectFile)
		if err != nil {
			return false, false, err
		}
		textConflict = exists
	}
	if entry.PropRejectFile != "" {
		exists, err := afero.Exists(fs, dir+"/"+entry.PropRejectFile)
		if err != nil {
			return false, false, err
		}
		propConflict = exists
	}
	return textConflict, propConflict, nil
}
