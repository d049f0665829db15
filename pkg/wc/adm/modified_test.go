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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestTextModified(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	// Missing working file: unmodified.
	modified, err := TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.False(t, modified)

	// Working file with no base: modified.
	require.NoError(t, afero.WriteFile(fs, "wc/f", []byte("x\n"), 0o644))
	modified, err = TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.True(t, modified)

	require.NoError(t, afero.WriteFile(fs, TextBasePath("wc/f", false), []byte("x\n"), 0o644))
	modified, err = TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.False(t, modified)

	require.NoError(t, afero.WriteFile(fs, "wc/f", []byte("y\n"), 0o644))
	modified, err = TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.True(t, modified)
}

// Translation alone never counts as modification: a CRLF working file
// whose detranslated form equals the base is clean.
func TestTextModifiedSeesThroughTranslation(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false), map[string]string{
		PropEOLStyle: "CRLF",
		PropKeywords: "Rev",
	}))
	require.NoError(t, ModifyEntry(fs, "wc", "f", func(entry *Entry) {
		entry.Kind = KindFile
		entry.CommittedRev = "4"
	}))

	require.NoError(t, afero.WriteFile(fs, TextBasePath("wc/f", false), []byte("v $Rev$\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "wc/f", []byte("v $Rev: 4 $\r\n"), 0o644))

	modified, err := TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.False(t, modified)

	// A real edit shows through the translation.
	require.NoError(t, afero.WriteFile(fs, "wc/f", []byte("v $Rev: 4 $ edited\r\n"), 0o644))
	modified, err = TextModified(fs, "wc/f")
	require.NoError(t, err)
	require.True(t, modified)
}

func TestPropsModified(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	modified, err := PropsModified(fs, "wc", "f")
	require.NoError(t, err)
	require.False(t, modified)

	require.NoError(t, SavePropFile(fs, PropBasePath("wc", "f", false),
		map[string]string{"a": "1"}))
	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{"a": "1"}))
	modified, err = PropsModified(fs, "wc", "f")
	require.NoError(t, err)
	require.False(t, modified)

	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{"a": "2"}))
	modified, err = PropsModified(fs, "wc", "f")
	require.NoError(t, err)
	require.True(t, modified)
}

func TestHasBinaryProp(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	binary, err := HasBinaryProp(fs, "wc/f")
	require.NoError(t, err)
	require.False(t, binary)

	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{PropMimeType: "application/octet-stream"}))
	binary, err = HasBinaryProp(fs, "wc/f")
	require.NoError(t, err)
	require.True(t, binary)

	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{PropMimeType: "text/plain"}))
	binary, err = HasBinaryProp(fs, "wc/f")
	require.NoError(t, err)
	require.False(t, binary)
}

func TestLock(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	require.NoError(t, Lock(fs, "wc"))

	locked, err := Locked(fs, "wc")
	require.NoError(t, err)
	require.True(t, locked)

	err = Lock(fs, "wc")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, Unlock(fs, "wc"))
	require.NoError(t, Unlock(fs, "wc"), "unlocking twice is fine")
	require.NoError(t, Lock(fs, "wc"))

	err = Lock(fs, "unversioned")
	require.ErrorIs(t, err, ErrNotWorkingCopy)
}
