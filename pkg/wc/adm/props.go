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
	"strings"

	"github.com/spf13/afero"
)

// Property namespaces. Everything under the wc: prefix lives only in
// the administrative area, everything under the entry: prefix is
// carried as an attribute of the owning entry, all other names are
// regular versioned properties.
const (
	PropPrefixWC    = "tessera:wc:"
	PropPrefixEntry = "tessera:entry:"

	PropMimeType = "tessera:mime-type"
	PropEOLStyle = "tessera:eol-style"
	PropKeywords = "tessera:keywords"

	PropEntryCommittedRev  = PropPrefixEntry + "committed-rev"
	PropEntryCommittedDate = PropPrefixEntry + "committed-date"
	PropEntryLastAuthor    = PropPrefixEntry + "last-author"
)

// PropKind classifies a property name.
type PropKind int

const (
	PropKindRegular PropKind = iota
	PropKindWC
	PropKindEntry
)

// PropertyKind is the single classifier shared by every caller that
// routes properties. It returns the kind and the length of the prefix
// to strip for the non-regular kinds.
func PropertyKind(name string) (PropKind, int) {
	switch {
	case strings.HasPrefix(name, PropPrefixWC):
		return PropKindWC, len(PropPrefixWC)
	case strings.HasPrefix(name, PropPrefixEntry):
		return PropKindEntry, len(PropPrefixEntry)
	default:
		return PropKindRegular, 0
	}
}

// PropChange is one property mutation: a nil value deletes.
type PropChange struct {
	Name  string
	Value *string
}

// StringValue returns a pointer to a copy of S, the common way to build
// a PropChange value in place.
func StringValue(s string) *string { return &s }

// CategorizeProps splits CHANGES into entry, wc and regular lists,
// preserving order within each.
func CategorizeProps(changes []PropChange) (entryProps, wcProps, regularProps []PropChange) {
	for _, change := range changes {
		switch kind, _ := PropertyKind(change.Name); kind {
		case PropKindEntry:
			entryProps = append(entryProps, change)
		case PropKindWC:
			wcProps = append(wcProps, change)
		default:
			regularProps = append(regularProps, change)
		}
	}
	return entryProps, wcProps, regularProps
}

type xmlProperty struct {
	XMLName xml.Name `xml:"property"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:",chardata"`
}

type xmlProperties struct {
	XMLName    xml.Name      `xml:"properties"`
	Properties []xmlProperty `xml:"property"`
}

// LoadPropFile reads a property list file; a missing file is an empty
// list.
func LoadPropFile(fs afero.Fs, filePath string) (map[string]string, error) {
	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	var doc xmlProperties
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed property file %s: %w", filePath, err)
	}

	props := make(map[string]string, len(doc.Properties))
	for _, p := range doc.Properties {
		props[p.Name] = p.Value
	}
	return props, nil
}

// SavePropFile writes a property list file atomically, sorted by name.
func SavePropFile(fs afero.Fs, filePath string, props map[string]string) error {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := xmlProperties{}
	for _, name := range names {
		doc.Properties = append(doc.Properties, xmlProperty{Name: name, Value: props[name]})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(fs, filePath, append(data, '\n'), 0o644)
}

// PropDiffs computes the changes that turn OLD into NEW.
func PropDiffs(new, old map[string]string) []PropChange {
	names := make([]string, 0, len(new)+len(old))
	seen := map[string]bool{}
	for name := range new {
		names = append(names, name)
		seen[name] = true
	}
	for name := range old {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var changes []PropChange
	for _, name := range names {
		newValue, inNew := new[name]
		oldValue, inOld := old[name]
		switch {
		case !inNew:
			changes = append(changes, PropChange{Name: name})
		case !inOld || newValue != oldValue:
			changes = append(changes, PropChange{Name: name, Value: StringValue(newValue)})
		}
	}
	return changes
}

// WCPropSet stores (or with a nil value removes) a wc-namespace
// property of the entry NAME under DIR, immediately, outside any
// journal. An empty NAME addresses the directory itself.
func WCPropSet(fs afero.Fs, dir, name, propName string, value *string) error {
	wcPropsPath := AdminPath(dir, "wcprops")
	if name != "" {
		wcPropsPath = AdminPath(dir, "wcprops-"+name)
	}

	props, err := LoadPropFile(fs, wcPropsPath)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, propName)
	} else {
		props[propName] = *value
	}
	return SavePropFile(fs, wcPropsPath, props)
}

// WCPropGet reads a wc-namespace property, empty when unset.
func WCPropGet(fs afero.Fs, dir, name, propName string) (string, error) {
	wcPropsPath := AdminPath(dir, "wcprops")
	if name != "" {
		wcPropsPath = AdminPath(dir, "wcprops-"+name)
	}
	props, err := LoadPropFile(fs, wcPropsPath)
	if err != nil {
		return "", err
	}
	return props[propName], nil
}

// MergePropDiffs merges CHANGES into the pristine and working property
// lists of entry NAME under DIR (empty NAME: the directory itself).
// Merged lists are written to the admin tmp area and install commands
// appended to J, so nothing takes effect until the journal runs.
//
// A change against a locally modified value conflicts: the working
// value is kept, the conflict is recorded in the returned map and
// described in a property reject file installed next to the entry.
func MergePropDiffs(fs afero.Fs, dir, name string, changes []PropChange, j *Journal) (map[string]PropChange, error) {
	base, err := LoadPropFile(fs, PropBasePath(dir, name, false))
	if err != nil {
		return nil, err
	}
	working, err := LoadPropFile(fs, PropPath(dir, name, false))
	if err != nil {
		return nil, err
	}
	// A file that never had its props installed mirrors its base.
	if len(working) == 0 && len(base) > 0 {
		working = map[string]string{}
		for k, v := range base {
			working[k] = v
		}
	}

	conflicts := map[string]PropChange{}
	var conflictText strings.Builder

	for _, change := range changes {
		baseValue, inBase := base[change.Name]
		workingValue, inWorking := working[change.Name]
		locallyChanged := (inBase != inWorking) || (inBase && baseValue != workingValue)

		// The pristine list always follows the incoming change.
		if change.Value == nil {
			delete(base, change.Name)
		} else {
			base[change.Name] = *change.Value
		}

		switch {
		case !locallyChanged:
			if change.Value == nil {
				delete(working, change.Name)
			} else {
				working[change.Name] = *change.Value
			}
		case change.Value != nil && inWorking && workingValue == *change.Value:
			// Local edit already matches the incoming value.
		case change.Value == nil && !inWorking:
			// Locally deleted and incoming delete agree.
		default:
			conflicts[change.Name] = change
			switch {
			case change.Value == nil:
				fmt.Fprintf(&conflictText,
					"Property %q locally changed to %q, but update deletes it\n",
					change.Name, workingValue)
			case !inWorking:
				fmt.Fprintf(&conflictText,
					"Property %q locally deleted, but update sets it to %q\n",
					change.Name, *change.Value)
			default:
				fmt.Fprintf(&conflictText,
					"Property %q locally changed to %q, but update sets it to %q\n",
					change.Name, workingValue, *change.Value)
			}
		}
	}

	// Stage merged lists in tmp; the journal moves them into place.
	if err := SavePropFile(fs, PropBasePath(dir, name, true), base); err != nil {
		return nil, err
	}
	if err := SavePropFile(fs, PropPath(dir, name, true), working); err != nil {
		return nil, err
	}

	j.Append(OpMv,
		AttrName, relAdminPath(PropBasePath(dir, name, true), dir),
		AttrDest, relAdminPath(PropBasePath(dir, name, false), dir))
	j.Append(OpMv,
		AttrName, relAdminPath(PropPath(dir, name, true), dir),
		AttrDest, relAdminPath(PropPath(dir, name, false), dir))

	if len(conflicts) > 0 {
		rejName := name
		if rejName == "" {
			rejName = "dir-props"
		}
		rejTmp := TmpPath(dir, rejName+PrejExt)
		if err := afero.WriteFile(fs, rejTmp, []byte(conflictText.String()), 0o644); err != nil {
			return nil, err
		}
		rejFinal := rejName + PrejExt
		j.Append(OpMv, AttrName, relAdminPath(rejTmp, dir), AttrDest, rejFinal)
		j.Append(OpModifyEntry,
			AttrName, name,
			"conflicted", "true",
			"prop-reject-file", rejFinal)
	}

	return conflicts, nil
}

// relAdminPath rebases an absolute admin path to be relative to DIR,
// the form journal commands require.
func relAdminPath(p, dir string) string {
	prefix := dir + "/"
	if dir == "." || dir == "" {
		prefix = ""
	}
	return strings.TrimPrefix(p, prefix)
}
