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
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/afero"
)

// Kind of a versioned entry.
type Kind string

const (
	KindNone Kind = ""
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Schedule declares a pending local change on an entry.
type Schedule string

const (
	ScheduleNormal  Schedule = ""
	ScheduleAdd     Schedule = "add"
	ScheduleDelete  Schedule = "delete"
	ScheduleReplace Schedule = "replace"
)

// InvalidRevision marks an entry with no recorded revision.
const InvalidRevision int64 = -1

// Entry is the per-name record kept in a directory's entries file. The
// record with an empty name describes the directory itself.
type Entry struct {
	Name     string
	Kind     Kind
	Revision int64
	URL      string
	Schedule Schedule

	// TextTime and PropTime record the working file and prop file
	// mtimes (RFC 3339) as of the last install, so modification checks
	// can shortcut.
	TextTime string
	PropTime string

	Conflicted     bool
	RejectFile     string
	PropRejectFile string

	// Committed provenance delivered as entry properties.
	CommittedRev  string
	CommittedDate string
	LastAuthor    string

	Copied      bool
	CopyfromURL string
	CopyfromRev int64
}

// Entries is the decoded entries file of one directory.
type Entries struct {
	byName map[string]*Entry
}

func NewEntries() *Entries {
	return &Entries{byName: map[string]*Entry{}}
}

// Get returns the entry named NAME, nil when absent.
func (e *Entries) Get(name string) *Entry { return e.byName[name] }

// ThisDir returns the distinguished entry describing the directory
// itself.
func (e *Entries) ThisDir() *Entry { return e.byName[""] }

// Set inserts or replaces an entry.
func (e *Entries) Set(entry *Entry) { e.byName[entry.Name] = entry }

// Remove drops the entry named NAME; absence is fine.
func (e *Entries) Remove(name string) { delete(e.byName, name) }

// Names returns all entry names in sorted order, the this-dir entry
// first.
func (e *Entries) Names() []string {
	names := make([]string, 0, len(e.byName))
	for name := range e.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Entries) Len() int { return len(e.byName) }

type xmlEntry struct {
	XMLName        xml.Name `xml:"entry"`
	Name           string   `xml:"name,attr"`
	Kind           string   `xml:"kind,attr,omitempty"`
	Revision       string   `xml:"revision,attr,omitempty"`
	URL            string   `xml:"url,attr,omitempty"`
	Schedule       string   `xml:"schedule,attr,omitempty"`
	TextTime       string   `xml:"text-time,attr,omitempty"`
	PropTime       string   `xml:"prop-time,attr,omitempty"`
	Conflicted     string   `xml:"conflicted,attr,omitempty"`
	RejectFile     string   `xml:"reject-file,attr,omitempty"`
	PropRejectFile string   `xml:"prop-reject-file,attr,omitempty"`
	CommittedRev   string   `xml:"committed-rev,attr,omitempty"`
	CommittedDate  string   `xml:"committed-date,attr,omitempty"`
	LastAuthor     string   `xml:"last-author,attr,omitempty"`
	Copied         string   `xml:"copied,attr,omitempty"`
	CopyfromURL    string   `xml:"copyfrom-url,attr,omitempty"`
	CopyfromRev    string   `xml:"copyfrom-rev,attr,omitempty"`
}

type xmlEntries struct {
	XMLName xml.Name   `xml:"wc-entries"`
	Entries []xmlEntry `xml:"entry"`
}

// ReadEntries loads the entries file of DIR.
func ReadEntries(fs afero.Fs, dir string) (*Entries, error) {
	data, err := afero.ReadFile(fs, EntriesPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotWorkingCopy, dir)
		}
		return nil, err
	}

	var doc xmlEntries
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed entries file for %s: %w", dir, err)
	}

	entries := NewEntries()
	for _, xe := range doc.Entries {
		entry := &Entry{
			Name:           xe.Name,
			Kind:           Kind(xe.Kind),
			Revision:       parseRevision(xe.Revision),
			URL:            xe.URL,
			Schedule:       Schedule(xe.Schedule),
			TextTime:       xe.TextTime,
			PropTime:       xe.PropTime,
			Conflicted:     xe.Conflicted == "true",
			RejectFile:     xe.RejectFile,
			PropRejectFile: xe.PropRejectFile,
			CommittedRev:   xe.CommittedRev,
			CommittedDate:  xe.CommittedDate,
			LastAuthor:     xe.LastAuthor,
			Copied:         xe.Copied == "true",
			CopyfromURL:    xe.CopyfromURL,
			CopyfromRev:    parseRevision(xe.CopyfromRev),
		}
		entries.Set(entry)
	}
	return entries, nil
}

func parseRevision(s string) int64 {
	if s == "" {
		return InvalidRevision
	}
	rev, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return InvalidRevision
	}
	return rev
}

func formatRevision(rev int64) string {
	if rev < 0 {
		return ""
	}
	return strconv.FormatInt(rev, 10)
}

// WriteEntries saves ENTRIES as DIR's entries file, atomically.
func WriteEntries(fs afero.Fs, dir string, entries *Entries) error {
	doc := xmlEntries{}
	for _, name := range entries.Names() {
		entry := entries.Get(name)
		xe := xmlEntry{
			Name:           entry.Name,
			Kind:           string(entry.Kind),
			Revision:       formatRevision(entry.Revision),
			URL:            entry.URL,
			Schedule:       string(entry.Schedule),
			TextTime:       entry.TextTime,
			PropTime:       entry.PropTime,
			RejectFile:     entry.RejectFile,
			PropRejectFile: entry.PropRejectFile,
			CommittedRev:   entry.CommittedRev,
			CommittedDate:  entry.CommittedDate,
			LastAuthor:     entry.LastAuthor,
			CopyfromURL:    entry.CopyfromURL,
		}
		// A copyfrom revision means something only for copied entries;
		// others read back as InvalidRevision.
		if entry.Copied || entry.CopyfromURL != "" {
			xe.CopyfromRev = formatRevision(entry.CopyfromRev)
		}
		if entry.Conflicted {
			xe.Conflicted = "true"
		}
		if entry.Copied {
			xe.Copied = "true"
		}
		doc.Entries = append(doc.Entries, xe)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(fs, EntriesPath(dir), append(data, '\n'), 0o644)
}

// ModifyEntry performs a read-modify-write of one entry. MODIFY
// receives the current entry, or a fresh one when the name is not
// recorded yet, and may mutate it freely.
func ModifyEntry(fs afero.Fs, dir, name string, modify func(entry *Entry)) error {
	entries, err := ReadEntries(fs, dir)
	if err != nil {
		return err
	}

	entry := entries.Get(name)
	if entry == nil {
		entry = &Entry{Name: name, Revision: InvalidRevision, CopyfromRev: InvalidRevision}
	}
	modify(entry)
	entries.Set(entry)

	return WriteEntries(fs, dir, entries)
}

// GetEntry resolves PATH to its entry record: files are looked up in
// their parent's entries file, directories in their own (falling back
// to the parent's record of them when the directory carries no admin
// area). A nil entry with nil error means the path is unversioned.
func GetEntry(fs afero.Fs, filePath string) (*Entry, error) {
	isDir, err := afero.DirExists(fs, filePath)
	if err != nil {
		return nil, err
	}

	if isDir {
		if ok, err := IsWorkingCopy(fs, filePath); err != nil {
			return nil, err
		} else if ok {
			entries, err := ReadEntries(fs, filePath)
			if err != nil {
				return nil, err
			}
			if thisDir := entries.ThisDir(); thisDir != nil {
				return thisDir, nil
			}
		}
	}

	dir, name := splitPath(filePath)
	if ok, err := IsWorkingCopy(fs, dir); err != nil || !ok {
		return nil, err
	}
	entries, err := ReadEntries(fs, dir)
	if err != nil {
		return nil, err
	}
	return entries.Get(name), nil
}
