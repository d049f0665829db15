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

// Package wc implements the working-copy side of checkout, update and
// switch: the update editor driven by a delta sender, the file
// installer that reconciles incoming text with local modifications
// through the directory journal, anchor/target selection and status
// assembly.
package wc

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

var (
	ErrEntryNotFound      = errors.New("entry not found")
	ErrEntryMissingURL    = errors.New("entry has no ancestry information")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrBadFilename        = errors.New("bad filename")

	// ErrObstructedUpdate reports on-disk state conflicting with an
	// incoming change.
	ErrObstructedUpdate = adm.ErrObstructed
)

// IsWCRoot reports whether PATH is the root of a working copy: it has
// no versioned parent, or its parent's URL plus PATH's basename is not
// PATH's recorded URL. WC roots cannot be split into anchor and
// target.
func IsWCRoot(fs afero.Fs, path string) (bool, error) {
	entry, err := adm.GetEntry(fs, path)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, fmt.Errorf("%w: %s is not a versioned resource", ErrEntryNotFound, path)
	}

	if path == "." || path == "" {
		// Nothing above to examine.
		return true, nil
	}

	parent, name := adm.SplitPath(path)
	parentEntry, err := adm.GetEntry(fs, parent)
	if err != nil || parentEntry == nil {
		// An unversioned parent makes PATH a root; errors reading it
		// count the same way.
		return true, nil
	}

	if parentEntry.URL == "" {
		return false, fmt.Errorf("%w: %s", ErrEntryMissingURL, parent)
	}

	if entry.URL != "" && adm.JoinURL(parentEntry.URL, name) != entry.URL {
		return true, nil
	}
	return false, nil
}

// ActualTarget splits PATH into the anchor directory an update editor
// roots at and the target inside it. A WC root is its own anchor with
// no target.
func ActualTarget(fs afero.Fs, path string) (anchor, target string, err error) {
	root, err := IsWCRoot(fs, path)
	if err != nil {
		return "", "", err
	}
	if root {
		return path, "", nil
	}
	anchor, target = adm.SplitPath(path)
	return anchor, target, nil
}
