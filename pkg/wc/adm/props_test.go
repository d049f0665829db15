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

func TestPropertyKind(t *testing.T) {
	for _, d := range []struct {
		name      string
		kind      PropKind
		prefixLen int
	}{
		{"tessera:wc:ra-token", PropKindWC, len(PropPrefixWC)},
		{"tessera:entry:committed-rev", PropKindEntry, len(PropPrefixEntry)},
		{"tessera:eol-style", PropKindRegular, 0},
		{"user-prop", PropKindRegular, 0},
	} {
		kind, prefixLen := PropertyKind(d.name)
		require.Equal(t, d.kind, kind, d.name)
		require.Equal(t, d.prefixLen, prefixLen, d.name)
	}
}

func TestCategorizeProps(t *testing.T) {
	changes := []PropChange{
		{Name: "tessera:entry:committed-rev", Value: StringValue("5")},
		{Name: "tessera:wc:token", Value: StringValue("x")},
		{Name: "tessera:eol-style", Value: StringValue("native")},
		{Name: "color", Value: nil},
	}

	entryProps, wcProps, regularProps := CategorizeProps(changes)
	require.Len(t, entryProps, 1)
	require.Len(t, wcProps, 1)
	require.Len(t, regularProps, 2)
	require.Equal(t, "tessera:eol-style", regularProps[0].Name)
}

func TestPropDiffs(t *testing.T) {
	old := map[string]string{"keep": "1", "change": "a", "drop": "x"}
	new := map[string]string{"keep": "1", "change": "b", "fresh": "y"}

	changes := PropDiffs(new, old)
	require.Len(t, changes, 3)

	byName := map[string]PropChange{}
	for _, c := range changes {
		byName[c.Name] = c
	}
	require.Equal(t, "b", *byName["change"].Value)
	require.Equal(t, "y", *byName["fresh"].Value)
	require.Nil(t, byName["drop"].Value)
}

func TestMergePropDiffsCleanMerge(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	// Pristine and working agree: incoming changes land on both.
	base := map[string]string{"color": "red", "stale": "yes"}
	require.NoError(t, SavePropFile(fs, PropBasePath("wc", "f", false), base))
	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false), base))

	j := NewJournal()
	conflicts, err := MergePropDiffs(fs, "wc", "f", []PropChange{
		{Name: "color", Value: StringValue("blue")},
		{Name: "stale", Value: nil},
		{Name: "fresh", Value: StringValue("new")},
	}, j)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	require.NoError(t, j.Write(fs, "wc"))
	require.NoError(t, RunLog(fs, "wc"))

	merged, err := LoadPropFile(fs, PropPath("wc", "f", false))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"color": "blue", "fresh": "new"}, merged)

	mergedBase, err := LoadPropFile(fs, PropBasePath("wc", "f", false))
	require.NoError(t, err)
	require.Equal(t, merged, mergedBase)

	modified, err := PropsModified(fs, "wc", "f")
	require.NoError(t, err)
	require.False(t, modified)
}

func TestMergePropDiffsConflict(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	require.NoError(t, SavePropFile(fs, PropBasePath("wc", "f", false),
		map[string]string{"color": "red"}))
	// The user already changed color locally.
	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{"color": "green"}))

	j := NewJournal()
	conflicts, err := MergePropDiffs(fs, "wc", "f", []PropChange{
		{Name: "color", Value: StringValue("blue")},
	}, j)
	require.NoError(t, err)
	require.Contains(t, conflicts, "color")

	require.NoError(t, j.Write(fs, "wc"))
	require.NoError(t, RunLog(fs, "wc"))

	// The local value survives, the pristine follows the incoming
	// value, and a property reject file describes the clash.
	merged, err := LoadPropFile(fs, PropPath("wc", "f", false))
	require.NoError(t, err)
	require.Equal(t, "green", merged["color"])

	mergedBase, err := LoadPropFile(fs, PropBasePath("wc", "f", false))
	require.NoError(t, err)
	require.Equal(t, "blue", mergedBase["color"])

	rejData, err := afero.ReadFile(fs, "wc/f"+PrejExt)
	require.NoError(t, err)
	require.NotEmpty(t, rejData)

	entries, err := ReadEntries(fs, "wc")
	require.NoError(t, err)
	entry := entries.Get("f")
	require.NotNil(t, entry)
	require.True(t, entry.Conflicted)
	require.Equal(t, "f"+PrejExt, entry.PropRejectFile)
}

func TestMergePropDiffsLocalValueAlreadyMatches(t *testing.T) {
	fs := newTestWC(t, "wc", "repo:///trunk", 1)

	require.NoError(t, SavePropFile(fs, PropBasePath("wc", "f", false),
		map[string]string{"color": "red"}))
	require.NoError(t, SavePropFile(fs, PropPath("wc", "f", false),
		map[string]string{"color": "blue"}))

	j := NewJournal()
	conflicts, err := MergePropDiffs(fs, "wc", "f", []PropChange{
		{Name: "color", Value: StringValue("blue")},
	}, j)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}
