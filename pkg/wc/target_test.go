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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

func TestIsWCRoot(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, fs.MkdirAll("wc/sub", 0o755))
	require.NoError(t, adm.EnsureAdminArea(fs, "wc/sub", "repo:///trunk/sub", 1))
	require.NoError(t, adm.ModifyEntry(fs, "wc", "sub", func(entry *adm.Entry) {
		entry.Kind = adm.KindDir
	}))

	// The top has no versioned parent.
	root, err := IsWCRoot(fs, "wc")
	require.NoError(t, err)
	require.True(t, root)

	// A child whose URL telescopes from the parent is no root.
	root, err = IsWCRoot(fs, "wc/sub")
	require.NoError(t, err)
	require.False(t, root)

	// A child from somewhere else entirely is a root of its own.
	require.NoError(t, fs.MkdirAll("wc/vendor", 0o755))
	require.NoError(t, adm.EnsureAdminArea(fs, "wc/vendor", "other:///lib", 9))
	require.NoError(t, adm.ModifyEntry(fs, "wc", "vendor", func(entry *adm.Entry) {
		entry.Kind = adm.KindDir
	}))
	root, err = IsWCRoot(fs, "wc/vendor")
	require.NoError(t, err)
	require.True(t, root)

	_, err = IsWCRoot(fs, "elsewhere")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestActualTarget(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, fs.MkdirAll("wc/sub", 0o755))
	require.NoError(t, adm.EnsureAdminArea(fs, "wc/sub", "repo:///trunk/sub", 1))
	require.NoError(t, adm.ModifyEntry(fs, "wc", "sub", func(entry *adm.Entry) {
		entry.Kind = adm.KindDir
	}))
	require.NoError(t, adm.ModifyEntry(fs, "wc", "f", func(entry *adm.Entry) {
		entry.Kind = adm.KindFile
	}))

	// A WC root anchors itself with no target.
	anchor, target, err := ActualTarget(fs, "wc")
	require.NoError(t, err)
	require.Equal(t, "wc", anchor)
	require.Empty(t, target)

	// Inner paths split into parent and basename.
	anchor, target, err = ActualTarget(fs, "wc/sub")
	require.NoError(t, err)
	require.Equal(t, "wc", anchor)
	require.Equal(t, "sub", target)

	anchor, target, err = ActualTarget(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, "wc", anchor)
	require.Equal(t, "f", target)
}
