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
	"io"
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/delta"
	"github.com/tessera-vcs/go/pkg/wc/adm"
)

// Mode selects the flavor of edit a session performs.
type Mode int

const (
	ModeUpdate Mode = iota
	ModeCheckout
	ModeSwitch
)

// InvalidRevision mirrors the entries-layer sentinel.
const InvalidRevision = adm.InvalidRevision

// Editor is the callback surface a delta sender drives, in the
// prescribed order: set-target-revision first, one open-root, then a
// depth-first walk where every opened scope is closed exactly once,
// and finally close-edit. The first error aborts the whole edit.
type Editor interface {
	SetTargetRevision(rev int64) error
	OpenRoot(baseRev int64) (*DirScope, error)
	DeleteEntry(name string, rev int64, parent *DirScope) error
	AddDirectory(name string, parent *DirScope, copyfromPath string, copyfromRev int64) (*DirScope, error)
	OpenDirectory(name string, parent *DirScope, baseRev int64) (*DirScope, error)
	ChangeDirProp(dir *DirScope, name string, value *string) error
	CloseDirectory(dir *DirScope) error
	AddFile(name string, parent *DirScope, copyfromPath string, copyfromRev int64) (*FileScope, error)
	OpenFile(name string, parent *DirScope, baseRev int64) (*FileScope, error)
	ApplyTextDelta(file *FileScope) (delta.WindowHandler, error)
	ChangeFileProp(file *FileScope, name string, value *string) error
	CloseFile(file *FileScope) error
	CloseEdit() error
}

// EditSession is the root state of one checkout, update or switch.
type EditSession struct {
	fs afero.Fs

	anchor string
	target string

	targetRevision int64
	recurse        bool

	mode        Mode
	ancestorURL string // checkout only
	switchURL   string // switch only
}

var _ Editor = (*EditSession)(nil)

// DirScope is the per-directory state of one edit, alive from its open
// callback until its reference count drains to zero. The count starts
// at one for the scope's own open and moves with each child scope.
type DirScope struct {
	session *EditSession
	parent  *DirScope

	path string
	name string
	url  string

	// disjointURL is set when the recorded URL is not the parent's URL
	// plus this name. Detected and inherited, not yet acted upon.
	disjointURL bool

	refCount    int
	added       bool
	propChanged bool
	propChanges []adm.PropChange
}

// FileScope is the per-file state of one edit, alive between its
// open/add callback and close-file.
type FileScope struct {
	dir *DirScope

	path string
	name string
	url  string

	disjointURL bool

	textChanged bool
	propChanged bool
	propChanges []adm.PropChange
}

// NewUpdateEditor returns the editor for updating ANCHOR/TARGET to
// TARGETREV.
func NewUpdateEditor(fs afero.Fs, anchor, target string, targetRev int64, recurse bool) *EditSession {
	return &EditSession{
		fs:             fs,
		anchor:         anchor,
		target:         target,
		targetRevision: targetRev,
		recurse:        recurse,
		mode:           ModeUpdate,
	}
}

// NewCheckoutEditor returns the editor creating a fresh working copy
// of ANCESTORURL at DEST.
func NewCheckoutEditor(fs afero.Fs, dest, ancestorURL string, targetRev int64, recurse bool) *EditSession {
	return &EditSession{
		fs:             fs,
		anchor:         dest,
		targetRevision: targetRev,
		recurse:        recurse,
		mode:           ModeCheckout,
		ancestorURL:    ancestorURL,
	}
}

// NewSwitchEditor returns the editor retargeting ANCHOR/TARGET to
// SWITCHURL at TARGETREV.
func NewSwitchEditor(fs afero.Fs, anchor, target string, targetRev int64, switchURL string, recurse bool) *EditSession {
	return &EditSession{
		fs:             fs,
		anchor:         anchor,
		target:         target,
		targetRevision: targetRev,
		recurse:        recurse,
		mode:           ModeSwitch,
		switchURL:      switchURL,
	}
}

// makeDirScope builds the scope for NAME under PARENT; a nil parent
// and empty name make the root scope. The parent's reference count
// moves up with the new child.
func (s *EditSession) makeDirScope(name string, parent *DirScope, added bool) *DirScope {
	d := &DirScope{
		session:  s,
		parent:   parent,
		name:     name,
		refCount: 1,
		added:    added,
	}

	if parent != nil {
		d.path = path.Join(parent.path, name)
	} else {
		d.path = s.anchor
	}

	if s.mode == ModeCheckout {
		// Checkouts telescope URLs; there is no such thing as a
		// disjoint one.
		if parent != nil {
			d.url = adm.JoinURL(parent.url, name)
		} else {
			d.url = s.ancestorURL
		}
	} else {
		if entry, err := adm.GetEntry(s.fs, d.path); err == nil && entry != nil {
			d.url = entry.URL
		}
		if parent != nil {
			expected := adm.JoinURL(parent.url, name)
			if parent.disjointURL || expected != d.url {
				d.disjointURL = true
			}
		}
	}

	if parent != nil {
		parent.refCount++
	}
	return d
}

func (s *EditSession) makeFileScope(name string, parent *DirScope) *FileScope {
	f := &FileScope{
		dir:  parent,
		name: name,
		path: path.Join(parent.path, name),
	}

	if s.mode == ModeCheckout {
		f.url = adm.JoinURL(parent.url, name)
	} else {
		if entry, err := adm.GetEntry(s.fs, f.path); err == nil && entry != nil {
			f.url = entry.URL
		}
		expected := adm.JoinURL(parent.url, name)
		if parent.disjointURL || expected != f.url {
			f.disjointURL = true
		}
	}

	parent.refCount++
	return f
}

// decrementRefCount finishes the directory once its count drains: the
// entry revision is bumped, a freshly added directory is recorded in
// its parent, and the parent's own count moves down.
func (s *EditSession) decrementRefCount(d *DirScope) error {
	d.refCount--
	if d.refCount > 0 {
		return nil
	}

	// Bump this dir to the new revision when it is beneath the update
	// target, or unconditionally on checkout.
	if s.mode == ModeCheckout || d.parent != nil {
		err := adm.ModifyEntry(s.fs, d.path, "", func(entry *adm.Entry) {
			entry.Kind = adm.KindDir
			entry.Revision = s.targetRevision
			entry.Schedule = adm.ScheduleNormal
		})
		if err != nil {
			return err
		}
	}

	// A newly added directory becomes visible in its parent's entries
	// only now that it is complete.
	if d.added && d.parent != nil {
		err := adm.ModifyEntry(s.fs, d.parent.path, d.name, func(entry *adm.Entry) {
			entry.Kind = adm.KindDir
			entry.Schedule = adm.ScheduleNormal
		})
		if err != nil {
			return err
		}
	}

	if d.parent != nil {
		return s.decrementRefCount(d.parent)
	}
	return nil
}

func (s *EditSession) SetTargetRevision(rev int64) error {
	s.targetRevision = rev
	return nil
}

func (s *EditSession) OpenRoot(baseRev int64) (*DirScope, error) {
	d := s.makeDirScope("", nil, false)

	if s.mode == ModeCheckout {
		if err := s.prepDirectory(d.path, s.ancestorURL, s.targetRevision, true); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// prepDirectory makes sure PATH exists (with force) and carries the
// right working copy for URL.
func (s *EditSession) prepDirectory(dirPath, url string, revision int64, force bool) error {
	if force {
		if err := adm.EnsureDirectory(s.fs, dirPath); err != nil {
			return err
		}
	}
	return adm.EnsureAdminArea(s.fs, dirPath, url, revision)
}

// DeleteEntry journals the removal of NAME under PARENT and runs the
// journal immediately.
func (s *EditSession) DeleteEntry(name string, rev int64, parent *DirScope) error {
	if err := adm.Lock(s.fs, parent.path); err != nil {
		return err
	}

	j := adm.NewJournal()
	j.Append(adm.OpDeleteEntry, adm.AttrName, name)

	err := j.Write(s.fs, parent.path)
	if err == nil {
		err = adm.RunLog(s.fs, parent.path)
	}

	if unlockErr := adm.Unlock(s.fs, parent.path); err == nil {
		err = unlockErr
	}
	return err
}

func (s *EditSession) AddDirectory(name string, parent *DirScope, copyfromPath string, copyfromRev int64) (*DirScope, error) {
	d := s.makeDirScope(name, parent, true)

	if (copyfromPath != "") != (copyfromRev >= 0) {
		return nil, fmt.Errorf("%w: add-directory %q got mismatched copyfrom arguments",
			ErrBadFilename, name)
	}

	// Nothing may already live where the new directory goes.
	if _, err := s.fs.Stat(d.path); err == nil {
		return nil, errors.Wrapf(ErrObstructedUpdate,
			"add-directory %q: object already exists and is in the way", d.path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if copyfromPath != "" {
		return nil, fmt.Errorf("%w: add-directory %q with history", ErrUnsupportedFeature, name)
	}

	// Without copyfrom the new directory inherits the parent's URL and
	// the edit's target revision.
	url := adm.JoinURL(parent.url, name)
	if err := s.prepDirectory(d.path, url, s.targetRevision, true); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *EditSession) OpenDirectory(name string, parent *DirScope, baseRev int64) (*DirScope, error) {
	d := s.makeDirScope(name, parent, false)

	isWC, err := adm.IsWorkingCopy(s.fs, d.path)
	if err != nil {
		return nil, err
	}
	if !isWC {
		return nil, fmt.Errorf("%w: open-directory %q is not versioned", ErrEntryNotFound, d.path)
	}
	return d, nil
}

func (s *EditSession) ChangeDirProp(d *DirScope, name string, value *string) error {
	return s.changeProp(d.path, "", name, value, &d.propChanges, &d.propChanged)
}

func (s *EditSession) ChangeFileProp(f *FileScope, name string, value *string) error {
	return s.changeProp(f.dir.path, f.name, name, value, &f.propChanges, &f.propChanged)
}

// changeProp routes one property change: wc-namespace properties go
// straight into the administrative store, entry-namespace properties
// straight onto the entry, everything else queues for the merge at
// scope close.
func (s *EditSession) changeProp(dir, name, propName string, value *string, queue *[]adm.PropChange, changed *bool) error {
	kind, prefixLen := adm.PropertyKind(propName)
	switch kind {
	case adm.PropKindWC:
		return adm.WCPropSet(s.fs, dir, name, propName, value)

	case adm.PropKindEntry:
		attr := propName[prefixLen:]
		// A nil-valued entry prop means the information was not
		// available; the field is left empty rather than removed.
		v := ""
		if value != nil {
			v = *value
		}
		return adm.ModifyEntry(s.fs, dir, name, func(entry *adm.Entry) {
			applyEntryProp(entry, attr, v)
		})

	default:
		*queue = append(*queue, adm.PropChange{Name: propName, Value: value})
		*changed = true
		return nil
	}
}

// applyEntryProp maps a stripped entry-prop name onto its entry field.
// Unknown names are dropped with a note in the debug log.
func applyEntryProp(entry *adm.Entry, attr, value string) {
	switch attr {
	case "committed-rev":
		entry.CommittedRev = value
	case "committed-date":
		entry.CommittedDate = value
	case "last-author":
		entry.LastAuthor = value
	default:
		log.WithFields(log.Fields{"attr": attr, "entry": entry.Name}).
			Debug("ignoring unknown entry property")
	}
}

// CloseDirectory merges accumulated property changes through the
// directory journal, then releases the scope's own reference.
func (s *EditSession) CloseDirectory(d *DirScope) error {
	if d.propChanged {
		if err := adm.Lock(s.fs, d.path); err != nil {
			return err
		}

		err := s.flushDirProps(d)

		if unlockErr := adm.Unlock(s.fs, d.path); err == nil {
			err = unlockErr
		}
		if err != nil {
			return err
		}
	}

	return s.decrementRefCount(d)
}

func (s *EditSession) flushDirProps(d *DirScope) error {
	j := adm.NewJournal()

	if _, err := adm.MergePropDiffs(s.fs, d.path, "", d.propChanges, j); err != nil {
		return errors.Wrap(err, "close-directory: property merge failed")
	}

	j.Append(adm.OpModifyEntry,
		adm.AttrName, "",
		"revision", strconv.FormatInt(s.targetRevision, 10))

	propModified, err := adm.PropsModified(s.fs, d.path, "")
	if err != nil {
		return err
	}
	if !propModified {
		j.Append(adm.OpModifyEntry,
			adm.AttrName, "",
			"prop-time", adm.TimestampWC)
	}

	if err := j.Write(s.fs, d.path); err != nil {
		return err
	}
	return adm.RunLog(s.fs, d.path)
}

// addOrOpenFile is the shared validation behind AddFile and OpenFile.
func (s *EditSession) addOrOpenFile(name string, parent *DirScope, copyfromPath string, copyfromRev int64, adding bool) (*FileScope, error) {
	f := s.makeFileScope(name, parent)

	isWC, err := adm.IsWorkingCopy(s.fs, parent.path)
	if err != nil {
		return nil, err
	}
	if !isWC {
		return nil, errors.Wrapf(ErrObstructedUpdate,
			"%s is not a working copy directory", parent.path)
	}

	entries, err := adm.ReadEntries(s.fs, parent.path)
	if err != nil {
		return nil, err
	}

	onDisk, err := afero.Exists(s.fs, f.path)
	if err != nil {
		return nil, err
	}

	// Adding a file whose name already exists on disk would clobber
	// somebody's data. An existing *entry* with no working file is
	// fine: that is just the user deleting the file and updating to
	// get it back.
	if adding && onDisk {
		return nil, errors.Wrapf(ErrObstructedUpdate,
			"can't add %q: object of same name already exists in %q", name, parent.path)
	}

	if !adding && entries.Get(name) == nil {
		return nil, fmt.Errorf("%w: trying to open non-versioned file %q in %q",
			ErrEntryNotFound, name, parent.path)
	}

	if adding && copyfromPath != "" {
		return nil, fmt.Errorf("%w: add-file %q with history", ErrUnsupportedFeature, name)
	}

	return f, nil
}

func (s *EditSession) AddFile(name string, parent *DirScope, copyfromPath string, copyfromRev int64) (*FileScope, error) {
	return s.addOrOpenFile(name, parent, copyfromPath, copyfromRev, true)
}

func (s *EditSession) OpenFile(name string, parent *DirScope, baseRev int64) (*FileScope, error) {
	return s.addOrOpenFile(name, parent, "", baseRev, false)
}

// ApplyTextDelta opens the file's pristine base for reading (none on
// checkout) and a staging base for writing, and returns the handler
// the sender feeds windows to. End of stream or the first error closes
// both; errors drop the staged file, success marks the scope
// text-changed.
func (s *EditSession) ApplyTextDelta(f *FileScope) (delta.WindowHandler, error) {
	var source afero.File

	if s.mode != ModeCheckout {
		var err error
		source, err = s.fs.Open(adm.TextBasePath(f.path, false))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	tmpBase := adm.TextBasePath(f.path, true)
	if err := s.fs.MkdirAll(path.Dir(tmpBase), 0o755); err != nil {
		if source != nil {
			source.Close()
		}
		return nil, err
	}
	dest, err := s.fs.OpenFile(tmpBase, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		if source != nil {
			source.Close()
		}
		return nil, err
	}

	var src io.Reader
	if source != nil {
		src = source
	}
	apply := delta.Apply(src, dest)

	handler := func(window *delta.Window) error {
		err := apply(window)
		if window != nil && err == nil {
			return nil
		}

		// Done or broken either way: release the streams, keeping the
		// first error.
		if source != nil {
			if closeErr := source.Close(); err == nil {
				err = closeErr
			}
		}
		if closeErr := dest.Close(); err == nil {
			err = closeErr
		}

		if err != nil {
			if rmErr := s.fs.Remove(tmpBase); rmErr != nil && !os.IsNotExist(rmErr) {
				log.WithError(rmErr).WithField("path", tmpBase).
					Warn("could not remove staged text base")
			}
			return err
		}

		f.textChanged = true
		return nil
	}

	return handler, nil
}

// CloseFile hands the staged text and accumulated property changes to
// the installer, then releases the scope.
func (s *EditSession) CloseFile(f *FileScope) error {
	newTextPath := ""
	if f.textChanged {
		newTextPath = adm.TextBasePath(f.path, true)
	}

	var changes []adm.PropChange
	if f.propChanged {
		changes = f.propChanges
	}

	if err := InstallFile(s.fs, f.path, s.targetRevision, newTextPath, changes, false, ""); err != nil {
		return err
	}

	return s.decrementRefCount(f.dir)
}

// CloseEdit finishes the session. Updates and switches bump every
// entry under anchor/target to the target revision, rewriting URLs for
// a switch; checkouts already wrote final state everywhere.
func (s *EditSession) CloseEdit() error {
	if s.mode == ModeCheckout {
		return nil
	}

	fullPath := s.anchor
	if s.target != "" {
		fullPath = path.Join(s.anchor, s.target)
	}

	url := ""
	if s.mode == ModeSwitch {
		url = s.switchURL
	}

	return s.updateCleanup(fullPath, url)
}

// updateCleanup recursively stamps the target revision (and switch
// URL) under PATH. Entries scheduled for deletion keep their old
// revision; missing subdirectories are somebody else's problem.
func (s *EditSession) updateCleanup(fullPath, url string) error {
	isDir, err := afero.DirExists(s.fs, fullPath)
	if err != nil {
		return err
	}

	if !isDir {
		dir, name := adm.SplitPath(fullPath)
		entries, err := adm.ReadEntries(s.fs, dir)
		if err != nil {
			return err
		}
		entry := entries.Get(name)
		if entry == nil || entry.Schedule == adm.ScheduleDelete {
			return nil
		}
		return adm.ModifyEntry(s.fs, dir, name, func(e *adm.Entry) {
			e.Revision = s.targetRevision
			if url != "" {
				e.URL = url
			}
		})
	}

	isWC, err := adm.IsWorkingCopy(s.fs, fullPath)
	if err != nil || !isWC {
		return err
	}

	entries, err := adm.ReadEntries(s.fs, fullPath)
	if err != nil {
		return err
	}

	for _, name := range entries.Names() {
		entry := entries.Get(name)
		childURL := url
		if url != "" && name != "" {
			childURL = adm.JoinURL(url, name)
		}

		switch {
		case entry.Schedule == adm.ScheduleDelete:
			continue
		case name == "":
			if err := adm.ModifyEntry(s.fs, fullPath, "", func(e *adm.Entry) {
				e.Revision = s.targetRevision
				if url != "" {
					e.URL = url
				}
			}); err != nil {
				return err
			}
		case entry.Kind == adm.KindDir && s.recurse:
			subPath := path.Join(fullPath, name)
			exists, err := afero.DirExists(s.fs, subPath)
			if err != nil {
				return err
			}
			if exists {
				if err := s.updateCleanup(subPath, childURL); err != nil {
					return err
				}
			}
		default:
			if err := adm.ModifyEntry(s.fs, fullPath, name, func(e *adm.Entry) {
				e.Revision = s.targetRevision
				if childURL != "" {
					e.URL = childURL
				}
			}); err != nil {
				return err
			}
		}
	}

	return nil
}
