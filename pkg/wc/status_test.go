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

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

func TestStatusCleanFile(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "same\n", "same\n", 1)

	status, err := GetStatus(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, StatusNormal, status.TextStatus)
	require.Equal(t, StatusNone, status.PropStatus)
}

func TestStatusTextModified(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "base\n", "edited\n", 1)

	status, err := GetStatus(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, StatusModified, status.TextStatus)
}

func TestStatusPropModified(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "x\n", "x\n", 1)
	require.NoError(t, adm.SavePropFile(fs, adm.PropBasePath("wc", "f", false),
		map[string]string{"a": "1"}))
	require.NoError(t, adm.SavePropFile(fs, adm.PropPath("wc", "f", false),
		map[string]string{"a": "2"}))

	status, err := GetStatus(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, StatusNormal, status.TextStatus)
	require.Equal(t, StatusModified, status.PropStatus)
}

func TestStatusSchedules(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)

	for schedule, expected := range map[adm.Schedule]StatusKind{
		adm.ScheduleAdd:     StatusAdded,
		adm.ScheduleReplace: StatusReplaced,
		adm.ScheduleDelete:  StatusDeleted,
	} {
		name := "f-" + string(schedule)
		addVersionedFile(t, fs, "wc", name, "x\n", "x\n", 1)
		require.NoError(t, adm.ModifyEntry(fs, "wc", name, func(entry *adm.Entry) {
			entry.Schedule = schedule
		}))

		status, err := GetStatus(fs, "wc/"+name)
		require.NoError(t, err)
		require.Equal(t, expected, status.TextStatus, string(schedule))

		// No property file: the prop dimension stays none.
		require.Equal(t, StatusNone, status.PropStatus)
	}
}

func TestStatusConflicted(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "x\n", "x\n", 1)
	require.NoError(t, adm.ModifyEntry(fs, "wc", "f", func(entry *adm.Entry) {
		entry.Conflicted = true
		entry.RejectFile = "f.rej"
	}))

	// The reject file still exists: conflicted.
	require.NoError(t, afero.WriteFile(fs, "wc/f.rej", []byte("hunk\n"), 0o644))
	status, err := GetStatus(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, StatusConflicted, status.TextStatus)

	// Reject removed (user resolved it): back to normal despite the
	// stale flag.
	require.NoError(t, fs.Remove("wc/f.rej"))
	status, err = GetStatus(fs, "wc/f")
	require.NoError(t, err)
	require.Equal(t, StatusNormal, status.TextStatus)
}

func TestStatusesRecursion(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "x\n", "y\n", 1)

	require.NoError(t, fs.MkdirAll("wc/sub", 0o755))
	require.NoError(t, adm.EnsureAdminArea(fs, "wc/sub", "repo:///trunk/sub", 1))
	require.NoError(t, adm.ModifyEntry(fs, "wc", "sub", func(entry *adm.Entry) {
		entry.Kind = adm.KindDir
	}))
	addVersionedFile(t, fs, "wc/sub", "inner", "a\n", "b\n", 1)

	statuses := map[string]*Status{}
	require.NoError(t, Statuses(fs, "wc", true, statuses))

	require.Contains(t, statuses, "wc")
	require.Contains(t, statuses, "wc/f")
	require.Contains(t, statuses, "wc/sub")
	require.Contains(t, statuses, "wc/sub/inner")

	require.Equal(t, StatusModified, statuses["wc/f"].TextStatus)
	require.Equal(t, StatusModified, statuses["wc/sub/inner"].TextStatus)

	// The subdirectory's own record appears exactly once, under its
	// path.
	require.Equal(t, "", statuses["wc/sub"].Entry.Name)
}

func TestStatusUnversionedPath(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, afero.WriteFile(fs, "wc/stray", []byte("x"), 0o644))

	statuses := map[string]*Status{}
	err := Statuses(fs, "wc/stray", true, statuses)
	require.ErrorIs(t, err, ErrBadFilename)
}
