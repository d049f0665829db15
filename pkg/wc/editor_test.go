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

	"github.com/tessera-vcs/go/pkg/delta"
	"github.com/tessera-vcs/go/pkg/wc/adm"
)

func newWC(t *testing.T, dir, url string, revision int64) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, adm.EnsureAdminArea(fs, dir, url, revision))
	return fs
}

// addVersionedFile records NAME under DIR at REVISION with the given
// pristine and working contents.
func addVersionedFile(t *testing.T, fs afero.Fs, dir, name, pristine, working string, revision int64) {
	t.Helper()
	path := dir + "/" + name
	require.NoError(t, afero.WriteFile(fs, path, []byte(working), 0o644))
	require.NoError(t, afero.WriteFile(fs, adm.TextBasePath(path, false), []byte(pristine), 0o644))
	require.NoError(t, adm.ModifyEntry(fs, dir, name, func(entry *adm.Entry) {
		entry.Kind = adm.KindFile
		entry.Revision = revision
	}))
}

func sendFullText(t *testing.T, ed Editor, file *FileScope, text string) {
	t.Helper()
	handler, err := ed.ApplyTextDelta(file)
	require.NoError(t, err)
	require.NoError(t, delta.Send(delta.FullText([]byte(text)), handler))
}

func requireNoPendingState(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	pending, err := adm.HasPendingLog(fs, dir)
	require.NoError(t, err)
	require.False(t, pending, "log file left behind in %s", dir)

	locked, err := adm.Locked(fs, dir)
	require.NoError(t, err)
	require.False(t, locked, "lock left behind in %s", dir)
}

// The add-file scenario: a new file arrives in a clean directory.
func TestEditorAddFile(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	ed := NewUpdateEditor(fs, "wc", "", 5, true)

	require.NoError(t, ed.SetTargetRevision(5))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	file, err := ed.AddFile("x", root, "", int64(adm.InvalidRevision))
	require.NoError(t, err)
	sendFullText(t, ed, file, "new content\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	working, err := afero.ReadFile(fs, "wc/x")
	require.NoError(t, err)
	require.Equal(t, "new content\n", string(working))

	base, err := afero.ReadFile(fs, adm.TextBasePath("wc/x", false))
	require.NoError(t, err)
	require.Equal(t, "new content\n", string(base))

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	entry := entries.Get("x")
	require.NotNil(t, entry)
	require.Equal(t, adm.KindFile, entry.Kind)
	require.Equal(t, int64(5), entry.Revision)
	require.False(t, entry.Conflicted)

	requireNoPendingState(t, fs, "wc")
}

// The obstruction scenario: adding a file whose name is already taken
// on disk fails and changes nothing.
func TestEditorAddFileObstructed(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, afero.WriteFile(fs, "wc/x", []byte("squatter\n"), 0o644))

	ed := NewUpdateEditor(fs, "wc", "", 5, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	_, err = ed.AddFile("x", root, "", int64(adm.InvalidRevision))
	require.ErrorIs(t, err, ErrObstructedUpdate)

	data, err := afero.ReadFile(fs, "wc/x")
	require.NoError(t, err)
	require.Equal(t, "squatter\n", string(data))

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	require.Nil(t, entries.Get("x"))
}

// An existing entry whose working file went missing may be re-added.
func TestEditorAddFileOverDeletedWorkingFile(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, adm.ModifyEntry(fs, "wc", "x", func(entry *adm.Entry) {
		entry.Kind = adm.KindFile
		entry.Revision = 1
	}))

	ed := NewUpdateEditor(fs, "wc", "", 5, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	file, err := ed.AddFile("x", root, "", int64(adm.InvalidRevision))
	require.NoError(t, err)
	sendFullText(t, ed, file, "restored\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	data, err := afero.ReadFile(fs, "wc/x")
	require.NoError(t, err)
	require.Equal(t, "restored\n", string(data))
}

// The clean-merge scenario: incoming text change weaves into local
// modifications without conflict.
func TestEditorUpdateWithLocalMods(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "x", "a\nb\nc\n", "a\nX\nb\nc\n", 1)

	ed := NewUpdateEditor(fs, "wc", "", 2, true)
	require.NoError(t, ed.SetTargetRevision(2))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	file, err := ed.OpenFile("x", root, 1)
	require.NoError(t, err)
	sendFullText(t, ed, file, "a\nb\nd\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	working, err := afero.ReadFile(fs, "wc/x")
	require.NoError(t, err)
	require.Equal(t, "a\nX\nb\nd\n", string(working))

	base, err := afero.ReadFile(fs, adm.TextBasePath("wc/x", false))
	require.NoError(t, err)
	require.Equal(t, "a\nb\nd\n", string(base))

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	entry := entries.Get("x")
	require.False(t, entry.Conflicted)
	require.Equal(t, int64(2), entry.Revision)

	// No reject file survived.
	exists, err := afero.Exists(fs, "wc/x"+adm.RejExt)
	require.NoError(t, err)
	require.False(t, exists)

	requireNoPendingState(t, fs, "wc")
}

// The conflict scenario: local and incoming changes to the same line
// leave a non-empty reject file and a conflicted entry.
func TestEditorUpdateConflict(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "x", "a\nb\nc\n", "a\nZ\nc\n", 1)

	ed := NewUpdateEditor(fs, "wc", "", 2, true)
	require.NoError(t, ed.SetTargetRevision(2))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	file, err := ed.OpenFile("x", root, 1)
	require.NoError(t, err)
	sendFullText(t, ed, file, "a\nY\nc\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	entry := entries.Get("x")
	require.True(t, entry.Conflicted)
	require.NotEmpty(t, entry.RejectFile)

	rej, err := afero.ReadFile(fs, "wc/"+entry.RejectFile)
	require.NoError(t, err)
	require.NotEmpty(t, rej)

	// The pristine still advanced to the incoming text.
	base, err := afero.ReadFile(fs, adm.TextBasePath("wc/x", false))
	require.NoError(t, err)
	require.Equal(t, "a\nY\nc\n", string(base))

	requireNoPendingState(t, fs, "wc")
}

// The delete scenario: the entry and its working file disappear after
// replay.
func TestEditorDeleteEntry(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "x", "gone\n", "gone\n", 1)

	ed := NewUpdateEditor(fs, "wc", "", 2, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)
	require.NoError(t, ed.DeleteEntry("x", 1, root))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	exists, err := afero.Exists(fs, "wc/x")
	require.NoError(t, err)
	require.False(t, exists)

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	require.Nil(t, entries.Get("x"))

	requireNoPendingState(t, fs, "wc")
}

func TestEditorAddDirectory(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)

	ed := NewUpdateEditor(fs, "wc", "", 3, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	sub, err := ed.AddDirectory("sub", root, "", int64(adm.InvalidRevision))
	require.NoError(t, err)

	file, err := ed.AddFile("f", sub, "", int64(adm.InvalidRevision))
	require.NoError(t, err)
	sendFullText(t, ed, file, "inner\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(sub))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	// The new directory is a working copy of its own and recorded in
	// the parent.
	isWC, err := adm.IsWorkingCopy(fs, "wc/sub")
	require.NoError(t, err)
	require.True(t, isWC)

	subEntries, err := adm.ReadEntries(fs, "wc/sub")
	require.NoError(t, err)
	thisDir := subEntries.ThisDir()
	require.Equal(t, int64(3), thisDir.Revision)
	require.Equal(t, "repo:///trunk/sub", thisDir.URL)
	require.NotNil(t, subEntries.Get("f"))

	parentEntries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	subEntry := parentEntries.Get("sub")
	require.NotNil(t, subEntry)
	require.Equal(t, adm.KindDir, subEntry.Kind)
}

func TestEditorAddDirectoryObstructed(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	require.NoError(t, afero.WriteFile(fs, "wc/sub", []byte("a file"), 0o644))

	ed := NewUpdateEditor(fs, "wc", "", 3, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	_, err = ed.AddDirectory("sub", root, "", int64(adm.InvalidRevision))
	require.ErrorIs(t, err, ErrObstructedUpdate)
}

func TestEditorCopyfromUnsupported(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)

	ed := NewUpdateEditor(fs, "wc", "", 3, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	_, err = ed.AddFile("x", root, "repo:///elsewhere", 2)
	require.ErrorIs(t, err, ErrUnsupportedFeature)

	_, err = ed.AddDirectory("d", root, "repo:///elsewhere", 2)
	require.ErrorIs(t, err, ErrUnsupportedFeature)

	// Nothing hit the disk before the refusal.
	exists, err := afero.Exists(fs, "wc/d")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestEditorDirPropChanges(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)

	ed := NewUpdateEditor(fs, "wc", "", 4, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	require.NoError(t, ed.ChangeDirProp(root, "color", adm.StringValue("blue")))
	require.NoError(t, ed.ChangeDirProp(root, adm.PropEntryCommittedRev, adm.StringValue("4")))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	props, err := adm.LoadPropFile(fs, adm.PropPath("wc", "", false))
	require.NoError(t, err)
	require.Equal(t, "blue", props["color"])

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	thisDir := entries.ThisDir()
	require.Equal(t, "4", thisDir.CommittedRev)
	require.Equal(t, int64(4), thisDir.Revision)

	requireNoPendingState(t, fs, "wc")
}

func TestEditorOpenFileMissingEntry(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)

	ed := NewUpdateEditor(fs, "wc", "", 2, true)
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)

	_, err = ed.OpenFile("ghost", root, 1)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestEditorCheckout(t *testing.T) {
	fs := afero.NewMemMapFs()

	ed := NewCheckoutEditor(fs, "co", "repo:///trunk", 7, true)
	root, err := ed.OpenRoot(int64(adm.InvalidRevision))
	require.NoError(t, err)

	file, err := ed.AddFile("readme", root, "", int64(adm.InvalidRevision))
	require.NoError(t, err)
	sendFullText(t, ed, file, "hello\n")
	require.NoError(t, ed.CloseFile(file))
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	data, err := afero.ReadFile(fs, "co/readme")
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))

	entries, err := adm.ReadEntries(fs, "co")
	require.NoError(t, err)
	require.Equal(t, int64(7), entries.ThisDir().Revision)
	require.Equal(t, "repo:///trunk", entries.ThisDir().URL)
	require.Equal(t, int64(7), entries.Get("readme").Revision)
}

// Close-edit bumps every clean entry under the target to the new
// revision, rewriting URLs on a switch.
func TestEditorCloseEditBumpsRevisions(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "untouched", "u\n", "u\n", 1)
	require.NoError(t, adm.ModifyEntry(fs, "wc", "going", func(entry *adm.Entry) {
		entry.Kind = adm.KindFile
		entry.Revision = 1
		entry.Schedule = adm.ScheduleDelete
	}))

	ed := NewUpdateEditor(fs, "wc", "", 9, true)
	require.NoError(t, ed.SetTargetRevision(9))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	require.Equal(t, int64(9), entries.ThisDir().Revision)
	require.Equal(t, int64(9), entries.Get("untouched").Revision)

	// Scheduled deletes keep their recorded revision.
	require.Equal(t, int64(1), entries.Get("going").Revision)
}

func TestEditorSwitchRewritesURLs(t *testing.T) {
	fs := newWC(t, "wc", "repo:///trunk", 1)
	addVersionedFile(t, fs, "wc", "f", "x\n", "x\n", 1)

	ed := NewSwitchEditor(fs, "wc", "", 9, "repo:///branches/b", true)
	require.NoError(t, ed.SetTargetRevision(9))
	root, err := ed.OpenRoot(1)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(root))
	require.NoError(t, ed.CloseEdit())

	entries, err := adm.ReadEntries(fs, "wc")
	require.NoError(t, err)
	require.Equal(t, "repo:///branches/b", entries.ThisDir().URL)
	require.Equal(t, "repo:///branches/b/f", entries.Get("f").URL)
}
