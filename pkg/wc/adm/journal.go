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
	"encoding/xml"
	"os"

	"github.com/spf13/afero"
)

// Journal operation names. Each serializes as one self-closing tag in
// the directory's log file.
const (
	OpDeleteEntry    = "delete-entry"
	OpModifyEntry    = "modify-entry"
	OpMv             = "mv"
	OpCp             = "cp"
	OpRm             = "rm"
	OpReadonly       = "readonly"
	OpRunCmd         = "run-cmd"
	OpDetectConflict = "detect-conflict"
)

// Common journal attribute names.
const (
	AttrName       = "name"
	AttrDest       = "dest"
	AttrEOLStr     = "eol-str"
	AttrRepair     = "repair"
	AttrExpand     = "expand"
	AttrRevision   = "revision"
	AttrDate       = "date"
	AttrAuthor     = "author"
	AttrURL        = "url"
	AttrInfile     = "infile"
	AttrRejectFile = "reject-file"
)

// Journal accumulates the intended operations of one working-copy
// mutation in memory. Nothing touches disk until Write appends the
// whole batch to the directory's log file; from that point on the log
// is the source of truth and replay — possibly after a crash, possibly
// more than once — finishes the job.
type Journal struct {
	buf bytes.Buffer
}

func NewJournal() *Journal {
	return &Journal{}
}

// Append records one operation. ATTRS is a flat list of name/value
// pairs; empty values are still emitted (an empty entry name is
// meaningful).
func (j *Journal) Append(op string, attrs ...string) {
	j.buf.WriteByte('<')
	j.buf.WriteString(op)
	for i := 0; i+1 < len(attrs); i += 2 {
		j.buf.WriteByte(' ')
		j.buf.WriteString(attrs[i])
		j.buf.WriteString(`="`)
		_ = xml.EscapeText(&j.buf, []byte(attrs[i+1]))
		j.buf.WriteByte('"')
	}
	j.buf.WriteString("/>\n")
}

// Empty reports whether nothing has been recorded.
func (j *Journal) Empty() bool { return j.buf.Len() == 0 }

// Bytes exposes the accumulated log text.
func (j *Journal) Bytes() []byte { return j.buf.Bytes() }

// Write appends the accumulated operations to DIR's log file and syncs
// it. The journal may keep accumulating and Write again; replay picks
// up everything.
func (j *Journal) Write(fs afero.Fs, dir string) error {
	f, err := fs.OpenFile(LogPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(j.buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
