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
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/internal/textdiff"
)

// Runner replays a directory's journal. Every operation is written to
// be safely re-applicable, so a log that ran partially before a crash
// is simply run again from the top.
type Runner struct {
	Fs  afero.Fs
	Dir string

	// RunCmd overrides execution of run-cmd operations, e.g. to invoke
	// a configured external patch binary. The default handles the
	// in-process patch tool.
	RunCmd func(fs afero.Fs, dir, name string, args []string, infile string) error
}

type logOp struct {
	name  string
	attrs map[string]string
	order []xml.Attr
}

// RunLog replays and then removes DIR's log file. A missing log is a
// no-op.
func RunLog(fs afero.Fs, dir string) error {
	return (&Runner{Fs: fs, Dir: dir}).RunLog()
}

// RunPending replays DIR's log only if one was left behind by an
// interrupted operation.
func RunPending(fs afero.Fs, dir string) error {
	exists, err := afero.Exists(fs, LogPath(dir))
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	log.WithField("dir", dir).Info("recovering unfinished working copy log")
	return RunLog(fs, dir)
}

// HasPendingLog reports whether DIR has an unfinished journal.
func HasPendingLog(fs afero.Fs, dir string) (bool, error) {
	return afero.Exists(fs, LogPath(dir))
}

func (r *Runner) RunLog() error {
	data, err := afero.ReadFile(r.Fs, LogPath(r.Dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	ops, err := parseLog(data)
	if err != nil {
		return errors.Wrapf(err, "parsing log of %s", r.Dir)
	}

	for _, op := range ops {
		log.WithFields(log.Fields{
			"dir":  r.Dir,
			"op":   op.name,
			"name": op.attrs[AttrName],
		}).Debug("replaying log operation")

		if err := r.apply(op); err != nil {
			return errors.Wrapf(err, "replaying <%s> in %s", op.name, r.Dir)
		}
	}

	return r.Fs.Remove(LogPath(r.Dir))
}

func parseLog(data []byte) ([]logOp, error) {
	var ops []logOp
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := dec.Token()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		op := logOp{
			name:  start.Name.Local,
			attrs: make(map[string]string, len(start.Attr)),
			order: start.Attr,
		}
		for _, attr := range start.Attr {
			op.attrs[attr.Name.Local] = attr.Value
		}
		ops = append(ops, op)

		if err := dec.Skip(); err != nil && err != io.EOF {
			return nil, err
		}
	}
}

func (r *Runner) path(name string) string {
	if name == "" {
		return r.Dir
	}
	return path.Join(r.Dir, name)
}

func (r *Runner) apply(op logOp) error {
	switch op.name {
	case OpDeleteEntry:
		return r.doDeleteEntry(op.attrs[AttrName])
	case OpModifyEntry:
		return r.doModifyEntry(op)
	case OpMv:
		return r.doMv(op.attrs[AttrName], op.attrs[AttrDest])
	case OpCp:
		return r.doCp(op)
	case OpRm:
		return r.doRm(op.attrs[AttrName])
	case OpReadonly:
		return r.Fs.Chmod(r.path(op.attrs[AttrName]), 0o444)
	case OpRunCmd:
		return r.doRunCmd(op)
	case OpDetectConflict:
		return r.doDetectConflict(op.attrs[AttrName], op.attrs[AttrRejectFile])
	default:
		return errors.Errorf("unknown log operation %q", op.name)
	}
}

// doDeleteEntry removes NAME from revision control and from disk: its
// entry record, working file or subtree, pristine base and property
// files. All removals tolerate already-gone targets.
func (r *Runner) doDeleteEntry(name string) error {
	entries, err := ReadEntries(r.Fs, r.Dir)
	if err != nil {
		return err
	}
	entries.Remove(name)
	if err := WriteEntries(r.Fs, r.Dir, entries); err != nil {
		return err
	}

	target := r.path(name)
	for _, p := range []string{
		target,
		TextBasePath(target, false),
		TextBasePath(target, true),
		PropPath(r.Dir, name, false),
		PropBasePath(r.Dir, name, false),
	} {
		if err := r.Fs.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (r *Runner) doModifyEntry(op logOp) error {
	name := op.attrs[AttrName]
	return ModifyEntry(r.Fs, r.Dir, name, func(entry *Entry) {
		for _, attr := range op.order {
			value := attr.Value
			switch attr.Name.Local {
			case AttrName:
			case "kind":
				entry.Kind = Kind(value)
			case "revision":
				entry.Revision = parseRevision(value)
			case "schedule":
				entry.Schedule = Schedule(value)
			case "url":
				entry.URL = value
			case "conflicted":
				entry.Conflicted = value == "true"
			case "text-time":
				entry.TextTime = r.timestamp(value, name)
			case "prop-time":
				entry.PropTime = r.timestamp(value, name)
			case "reject-file":
				entry.RejectFile = value
			case "prop-reject-file":
				entry.PropRejectFile = value
			case "committed-rev":
				entry.CommittedRev = value
			case "committed-date":
				entry.CommittedDate = value
			case "last-author":
				entry.LastAuthor = value
			case "copied":
				entry.Copied = value == "true"
			case "copyfrom-url":
				entry.CopyfromURL = value
			case "copyfrom-rev":
				entry.CopyfromRev = parseRevision(value)
			}
		}
	})
}

// timestamp resolves the working-time sentinel against the current
// mtime of the named working file.
func (r *Runner) timestamp(value, name string) string {
	if value != TimestampWC {
		return value
	}
	info, err := r.Fs.Stat(r.path(name))
	if err != nil {
		return ""
	}
	return info.ModTime().UTC().Format(time.RFC3339Nano)
}

// doMv renames NAME onto DEST. A missing source with an existing
// destination means a previous run already finished this step.
func (r *Runner) doMv(name, dest string) error {
	src, dst := r.path(name), r.path(dest)

	srcExists, err := afero.Exists(r.Fs, src)
	if err != nil {
		return err
	}
	if !srcExists {
		dstExists, err := afero.Exists(r.Fs, dst)
		if err != nil {
			return err
		}
		if dstExists {
			return nil
		}
		return errors.Errorf("mv: %s and %s both missing", src, dst)
	}

	if err := r.Fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}
	return renameOver(r.Fs, src, dst)
}

// doCp copies NAME to DEST, translating line endings and keywords when
// the tag asks for it. Re-running recomputes the same destination from
// the same source.
func (r *Runner) doCp(op logOp) error {
	src, dst := r.path(op.attrs[AttrName]), r.path(op.attrs[AttrDest])

	var keywords *Keywords
	if hasAnyAttr(op.attrs, AttrRevision, AttrDate, AttrAuthor, AttrURL) {
		keywords = &Keywords{
			Revision: op.attrs[AttrRevision],
			Date:     op.attrs[AttrDate],
			Author:   op.attrs[AttrAuthor],
			URL:      op.attrs[AttrURL],
		}
	}

	if err := r.Fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}
	return CopyAndTranslate(r.Fs, src, dst,
		op.attrs[AttrEOLStr],
		op.attrs[AttrRepair] == "true",
		keywords,
		op.attrs[AttrExpand] == "true")
}

func hasAnyAttr(attrs map[string]string, names ...string) bool {
	for _, name := range names {
		if _, ok := attrs[name]; ok {
			return true
		}
	}
	return false
}

func (r *Runner) doRm(name string) error {
	if err := r.Fs.RemoveAll(r.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// doRunCmd dispatches an external-tool invocation. Without an override
// only the patch tool is understood, applied in process.
func (r *Runner) doRunCmd(op logOp) error {
	name := op.attrs[AttrName]
	infile := op.attrs[AttrInfile]

	var args []string
	for _, attr := range op.order {
		if strings.HasPrefix(attr.Name.Local, "arg-") {
			args = append(args, attr.Value)
		}
	}

	if r.RunCmd != nil {
		return r.RunCmd(r.Fs, r.Dir, name, args, infile)
	}
	if name != "patch" {
		return errors.Errorf("run-cmd: no handler for %q", name)
	}
	return r.runPatch(args, infile)
}

// runPatch interprets the argument shape the installer emits:
// -r REJECTFILE ... -- TARGET, with the patch text in INFILE.
func (r *Runner) runPatch(args []string, infile string) error {
	var rejectFile, target string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-r":
			if i+1 < len(args) {
				rejectFile = args[i+1]
				i++
			}
		case "--":
			if i+1 < len(args) {
				target = args[i+1]
				i++
			}
		}
	}
	if target == "" || infile == "" {
		return errors.New("run-cmd: patch invocation missing target or input")
	}

	targetData, err := afero.ReadFile(r.Fs, r.path(target))
	if err != nil {
		return err
	}
	patchData, err := afero.ReadFile(r.Fs, r.path(infile))
	if err != nil {
		// The patch input only disappears through this log's own later
		// rm, so a missing infile means a previous run already got
		// past this step.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	patched, reject, err := textdiff.Patch(targetData, patchData)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(r.Fs, r.path(target), patched, 0o644); err != nil {
		return err
	}
	if rejectFile != "" {
		return afero.WriteFile(r.Fs, r.path(rejectFile), reject, 0o644)
	}
	return nil
}

// doDetectConflict marks the entry conflicted iff the reject file came
// out non-empty, and clears an empty one away.
func (r *Runner) doDetectConflict(name, rejectFile string) error {
	info, err := r.Fs.Stat(r.path(rejectFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Size() > 0 {
		return ModifyEntry(r.Fs, r.Dir, name, func(entry *Entry) {
			entry.Conflicted = true
			entry.RejectFile = rejectFile
		})
	}
	return r.Fs.Remove(r.path(rejectFile))
}
