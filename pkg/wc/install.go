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
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/internal/textdiff"
	"github.com/tessera-vcs/go/pkg/wc/adm"
)

// InstallFile integrates a new revision of one file into the working
// copy, preserving local modifications, interrupt-safely.
//
// NEWTEXTPATH, when non-empty, holds the file's new pristine text (an
// empty value means the text did not change). PROPS carries incoming
// property changes; with ISFULLPROPLIST they are a definitive full
// list and the diff against the current pristine list is computed
// here. NEWURL, when non-empty, overrides the entry's URL (a switch of
// a single file).
//
// Everything the installation intends to do is first written to the
// parent directory's journal; once that is on disk and synced, the log
// is the source of truth and a crash is recovered by replaying it.
func InstallFile(fs afero.Fs, filePath string, newRevision int64, newTextPath string, props []adm.PropChange, isFullProplist bool, newURL string) error {
	parentDir, base := adm.SplitPath(filePath)

	if err := adm.Lock(fs, parentDir); err != nil {
		return err
	}

	err := installFileLocked(fs, filePath, parentDir, base, newRevision, newTextPath, props, isFullProplist, newURL)

	if unlockErr := adm.Unlock(fs, parentDir); err == nil {
		err = unlockErr
	}
	return err
}

func installFileLocked(fs afero.Fs, filePath, parentDir, base string, newRevision int64, newTextPath string, props []adm.PropChange, isFullProplist bool, newURL string) error {
	j := adm.NewJournal()

	entryProps, wcProps, regularProps := adm.CategorizeProps(props)

	// Merge the regular props into the working proplist, collecting
	// the conflicts the textual merge needs to know about (eol-style
	// and keywords behave differently when their fresh value lost).
	propConflicts := map[string]adm.PropChange{}
	if len(regularProps) > 0 {
		propchanges := regularProps
		if isFullProplist {
			oldPristine, err := adm.LoadPropFile(fs, adm.PropBasePath(parentDir, base, false))
			if err != nil {
				return err
			}
			newPristine := make(map[string]string, len(regularProps))
			for _, p := range regularProps {
				if p.Value != nil {
					newPristine[p.Name] = *p.Value
				}
			}
			propchanges = adm.PropDiffs(newPristine, oldPristine)
		}

		var err error
		propConflicts, err = adm.MergePropDiffs(fs, parentDir, base, propchanges, j)
		if err != nil {
			return errors.Wrap(err, "install: property merge failed")
		}
	}

	// Entry props overwrite unconditionally; they are not versioned
	// and must land before textual merging so keyword values are
	// fresh.
	for _, p := range entryProps {
		_, prefixLen := adm.PropertyKind(p.Name)
		value := ""
		if p.Value != nil {
			value = *p.Value
		}
		j.Append(adm.OpModifyEntry,
			adm.AttrName, base,
			p.Name[prefixLen:], value)
	}

	isLocallyModified := false

	if newTextPath != "" {
		var err error
		isLocallyModified, err = installText(fs, j, filePath, parentDir, base, newTextPath, regularProps, entryProps, propConflicts, newURL)
		if err != nil {
			return err
		}
	}

	// Bump the entry's kind and revision.
	j.Append(adm.OpModifyEntry,
		adm.AttrName, base,
		"kind", string(adm.KindFile),
		"revision", strconv.FormatInt(newRevision, 10))

	// Fresh timestamps make sense only where the user has no changes
	// of their own.
	if newTextPath != "" && !isLocallyModified {
		j.Append(adm.OpModifyEntry,
			adm.AttrName, base,
			"text-time", adm.TimestampWC)
	}

	if len(props) > 0 {
		propModified, err := adm.PropsModified(fs, parentDir, base)
		if err != nil {
			return err
		}
		if !propModified {
			j.Append(adm.OpModifyEntry,
				adm.AttrName, base,
				"prop-time", adm.TimestampWC)
		}
	}

	if newURL != "" {
		j.Append(adm.OpModifyEntry,
			adm.AttrName, base,
			"url", newURL)
	}

	if err := j.Write(fs, parentDir); err != nil {
		return errors.Wrapf(err, "install: writing %s's log", parentDir)
	}
	if err := adm.RunLog(fs, parentDir); err != nil {
		return err
	}

	// With text, props and entries fully installed, dump the wc props.
	for _, p := range wcProps {
		if err := adm.WCPropSet(fs, parentDir, base, p.Name, p.Value); err != nil {
			return err
		}
	}

	return nil
}

// installText emits the journal commands that reconcile the staged new
// text base with the working file, per the text/binary ×
// locally-modified matrix. It reports whether the working file carried
// local modifications.
func installText(fs afero.Fs, j *adm.Journal, filePath, parentDir, base, newTextPath string, regularProps, entryProps []adm.PropChange, propConflicts map[string]adm.PropChange, newURL string) (bool, error) {
	hasBinaryProp, err := effectiveBinary(fs, filePath, regularProps, propConflicts)
	if err != nil {
		return false, err
	}

	isLocallyModified, err := adm.TextModified(fs, filePath)
	if err != nil {
		return false, err
	}

	eolStyle, eolStr, err := effectiveEOL(fs, filePath, regularProps, propConflicts)
	if err != nil {
		return false, err
	}

	keywords, err := effectiveKeywords(fs, filePath, regularProps, entryProps, propConflicts, newURL, parentDir, base)
	if err != nil {
		return false, err
	}

	// The rest of the log can only reference paths under the parent,
	// so the staged text moves into the admin tmp area right now.
	stagedBase := adm.TextBasePath(filePath, true)
	if newTextPath != stagedBase {
		if err := renameOver(fs, newTextPath, stagedBase); err != nil {
			return false, errors.Wrapf(err, "install: can't move %s to %s", newTextPath, stagedBase)
		}
	}

	txtb := relPath(adm.TextBasePath(filePath, false), parentDir)
	tmpTxtb := relPath(stagedBase, parentDir)

	// The new pristine lands on the old one when the log runs; until
	// then both remain diffable.
	j.Append(adm.OpMv, adm.AttrName, tmpTxtb, adm.AttrDest, txtb)

	workingExists, err := afero.Exists(fs, filePath)
	if err != nil {
		return false, err
	}

	switch {
	case !isLocallyModified || (!hasBinaryProp && !workingExists):
		// No local mods (or nothing on disk to preserve): the new
		// text base simply becomes the working file, translated.
		appendTranslateOp(j, txtb, base, eolStyle, eolStr, false, keywords, true)

	case hasBinaryProp:
		// Binary with local mods: the local version survives under a
		// backup name, the new text wins the working name.
		backup, err := reserveUniqueFile(fs, parentDir, base+adm.OrigExt)
		if err != nil {
			return false, err
		}
		j.Append(adm.OpCp, adm.AttrName, base, adm.AttrDest, backup)
		j.Append(adm.OpCp, adm.AttrName, txtb, adm.AttrDest, base)

	default:
		if err := appendTextMerge(fs, j, filePath, parentDir, base, eolStyle, eolStr, keywords); err != nil {
			return false, err
		}
	}

	j.Append(adm.OpReadonly, adm.AttrName, txtb)

	return isLocallyModified, nil
}

// appendTextMerge handles the hard cell of the matrix: a text file
// with local modifications. The old and new pristines are normalized
// to LF with keywords contracted, diffed, and the resulting patch
// applied to the working file (via a normalized temporary when eol or
// keyword translation is active). The reject output decides the
// conflict flag.
func appendTextMerge(fs afero.Fs, j *adm.Journal, filePath, parentDir, base string, eolStyle adm.EOLStyle, eolStr string, keywords *adm.Keywords) error {
	diffFile, err := reserveUniqueFile(fs, parentDir, relPath(adm.TmpPath(parentDir, base+adm.DiffExt), parentDir))
	if err != nil {
		return err
	}
	trTxtb, err := reserveUniqueFile(fs, parentDir, relPath(adm.TmpPath(parentDir, base+adm.BaseExt), parentDir))
	if err != nil {
		return err
	}
	trTmpTxtb, err := reserveUniqueFile(fs, parentDir, relPath(adm.TmpPath(parentDir, base+".new"+adm.BaseExt), parentDir))
	if err != nil {
		return err
	}

	// LF-normalized copies of both pristines; diffing those keeps the
	// patch in LF form whatever the working eol style is.
	if err := adm.CopyAndTranslate(fs,
		adm.TextBasePath(filePath, false), parentDir+"/"+trTxtb,
		"LF", true, keywords, false); err != nil {
		return err
	}
	if err := adm.CopyAndTranslate(fs,
		adm.TextBasePath(filePath, true), parentDir+"/"+trTmpTxtb,
		"LF", true, keywords, false); err != nil {
		return err
	}

	oldText, err := afero.ReadFile(fs, parentDir+"/"+trTxtb)
	if err != nil {
		return err
	}
	newText, err := afero.ReadFile(fs, parentDir+"/"+trTmpTxtb)
	if err != nil {
		return err
	}
	patch, err := textdiff.Diff(oldText, newText)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, parentDir+"/"+diffFile, patch, 0o644); err != nil {
		return err
	}

	j.Append(adm.OpRm, adm.AttrName, trTxtb)
	j.Append(adm.OpRm, adm.AttrName, trTmpTxtb)

	// Reserve the reject name now so the log can reference it.
	rejectFile, err := reserveUniqueFile(fs, parentDir, base+adm.RejExt)
	if err != nil {
		return err
	}

	if eolStyle == adm.EOLNone && keywords.Empty() {
		// Plain LF file: patch the working file directly.
		appendPatchOp(j, base, rejectFile, diffFile)
	} else {
		// Normalize the working file, patch the normalized copy, then
		// translate it back over the working file.
		tmpWorking, err := reserveUniqueFile(fs, parentDir, relPath(adm.TmpPath(parentDir, base+adm.TmpExt), parentDir))
		if err != nil {
			return err
		}

		// The repair flag matters here: a locally modified working
		// file with mixed eols gets normalized for good, because the
		// eol property is set and an update is a checkpoint.
		appendTranslateOp(j, base, tmpWorking, adm.EOLFixed, "\n", true, keywords, false)
		appendPatchOp(j, tmpWorking, rejectFile, diffFile)
		appendTranslateOp(j, tmpWorking, base, eolStyle, eolStr, false, keywords, true)
		j.Append(adm.OpRm, adm.AttrName, tmpWorking)
	}

	j.Append(adm.OpRm, adm.AttrName, diffFile)
	j.Append(adm.OpDetectConflict,
		adm.AttrName, base,
		adm.AttrRejectFile, rejectFile)

	return nil
}

// appendTranslateOp emits a <cp> with the translation attributes for
// the active eol style and keywords.
func appendTranslateOp(j *adm.Journal, name, dest string, eolStyle adm.EOLStyle, eolStr string, repair bool, keywords *adm.Keywords, expand bool) {
	attrs := []string{adm.AttrName, name, adm.AttrDest, dest}

	switch eolStyle {
	case adm.EOLNative:
		attrs = append(attrs, adm.AttrEOLStr, "native")
	case adm.EOLFixed:
		attrs = append(attrs, adm.AttrEOLStr, adm.EOLValueFromString(eolStr))
	}
	if repair {
		attrs = append(attrs, adm.AttrRepair, "true")
	}
	if !keywords.Empty() {
		if keywords.Revision != "" {
			attrs = append(attrs, adm.AttrRevision, keywords.Revision)
		}
		if keywords.Date != "" {
			attrs = append(attrs, adm.AttrDate, keywords.Date)
		}
		if keywords.Author != "" {
			attrs = append(attrs, adm.AttrAuthor, keywords.Author)
		}
		if keywords.URL != "" {
			attrs = append(attrs, adm.AttrURL, keywords.URL)
		}
	}
	if expand {
		attrs = append(attrs, adm.AttrExpand, "true")
	}

	j.Append(adm.OpCp, attrs...)
}

// appendPatchOp emits the run-cmd invocation of the patch tool.
func appendPatchOp(j *adm.Journal, target, rejectFile, patchFile string) {
	j.Append(adm.OpRunCmd,
		adm.AttrName, "patch",
		"arg-1", "-r",
		"arg-2", rejectFile,
		"arg-3", "-f",
		"arg-4", "--silent",
		"arg-5", "--",
		"arg-6", target,
		adm.AttrInfile, patchFile)
}

// effectiveBinary prefers a freshly supplied, unconflicted mime-type
// over the one in the working props.
func effectiveBinary(fs afero.Fs, filePath string, regularProps []adm.PropChange, conflicts map[string]adm.PropChange) (bool, error) {
	if fresh := freshValue(regularProps, adm.PropMimeType); fresh != nil {
		if _, conflicted := conflicts[adm.PropMimeType]; !conflicted {
			return !adm.IsTextualMime(*fresh), nil
		}
	}
	return adm.HasBinaryProp(fs, filePath)
}

// effectiveEOL decides which eol-style governs the install: the fresh
// property value unless it conflicted, in which case the working
// copy's current value stands.
func effectiveEOL(fs afero.Fs, filePath string, regularProps []adm.PropChange, conflicts map[string]adm.PropChange) (adm.EOLStyle, string, error) {
	fresh := freshValue(regularProps, adm.PropEOLStyle)
	if fresh == nil {
		return admEOL(fs, filePath)
	}
	if _, conflicted := conflicts[adm.PropEOLStyle]; conflicted {
		return admEOL(fs, filePath)
	}
	style, eol := adm.EOLStyleFromValue(*fresh)
	return style, eol, nil
}

func admEOL(fs afero.Fs, filePath string) (adm.EOLStyle, string, error) {
	return adm.EffectiveEOLStyle(fs, filePath)
}

// effectiveKeywords decides the active keyword set the same way, then
// refreshes the substitution values from the just-delivered entry
// props and the target URL.
func effectiveKeywords(fs afero.Fs, filePath string, regularProps, entryProps []adm.PropChange, conflicts map[string]adm.PropChange, newURL, parentDir, base string) (*adm.Keywords, error) {
	var keywords *adm.Keywords
	var err error

	fresh := freshValue(regularProps, adm.PropKeywords)
	_, conflicted := conflicts[adm.PropKeywords]

	switch {
	case fresh == nil || conflicted:
		keywords, err = adm.EffectiveKeywords(fs, filePath, "")
	default:
		keywords, err = adm.EffectiveKeywords(fs, filePath, *fresh)
	}
	if err != nil || keywords.Empty() {
		return keywords, err
	}

	// The freshest committed provenance is still in flight in the
	// entry props; the entries file lags until the log runs.
	for _, p := range entryProps {
		if p.Value == nil {
			continue
		}
		switch p.Name {
		case adm.PropEntryCommittedRev:
			if keywords.Revision != "" {
				keywords.Revision = *p.Value
			}
		case adm.PropEntryCommittedDate:
			if keywords.Date != "" {
				keywords.Date = *p.Value
			}
		case adm.PropEntryLastAuthor:
			if keywords.Author != "" {
				keywords.Author = *p.Value
			}
		}
	}

	if keywords.URL != "" {
		switch {
		case newURL != "":
			keywords.URL = newURL
		default:
			// The entry may not exist yet; derive the standard URL
			// from the parent.
			entries, err := adm.ReadEntries(fs, parentDir)
			if err == nil {
				if thisDir := entries.ThisDir(); thisDir != nil && thisDir.URL != "" {
					keywords.URL = adm.JoinURL(thisDir.URL, base)
				}
			}
		}
	}

	return keywords, nil
}

func freshValue(changes []adm.PropChange, name string) *string {
	var value *string
	for _, change := range changes {
		if change.Name == name && change.Value != nil {
			value = change.Value
		}
	}
	return value
}

// reserveUniqueFile creates an empty file with an unused name derived
// from WANT (relative to DIR), returning the reserved relative name.
func reserveUniqueFile(fs afero.Fs, dir, want string) (string, error) {
	for i := 0; ; i++ {
		name := want
		if i > 0 {
			name = fmt.Sprintf("%s.%d", want, i)
		}
		f, err := fs.OpenFile(dir+"/"+name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return name, nil
	}
}

// relPath rebases P to be relative to DIR, the form journal commands
// require.
func relPath(p, dir string) string {
	prefix := dir + "/"
	if dir == "." || dir == "" {
		prefix = ""
	}
	return strings.TrimPrefix(p, prefix)
}

// renameOver renames SRC onto DST, replacing DST when present.
func renameOver(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := fs.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := fs.Rename(src, dst); err != nil {
		log.WithFields(log.Fields{"src": src, "dst": dst}).
			WithError(err).Debug("rename fallback failed")
		return err
	}
	return nil
}
