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
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

var ErrInconsistentEOL = errors.New("inconsistent line endings")

// EOLStyle is the line-ending policy of a file.
type EOLStyle int

const (
	// EOLNone leaves line endings alone.
	EOLNone EOLStyle = iota
	// EOLNative translates to the platform convention.
	EOLNative
	// EOLFixed translates to one specific marker.
	EOLFixed
)

// NativeEOL is the repository normal form used on this platform. The
// working-copy layer treats LF as native; fixed styles cover the rest.
const NativeEOL = "\n"

// EOLStyleFromValue maps an eol-style property value to a style and the
// concrete marker. Unknown values behave like an unset property.
func EOLStyleFromValue(value string) (EOLStyle, string) {
	switch value {
	case "native":
		return EOLNative, NativeEOL
	case "LF":
		return EOLFixed, "\n"
	case "CR":
		return EOLFixed, "\r"
	case "CRLF":
		return EOLFixed, "\r\n"
	default:
		return EOLNone, ""
	}
}

// EOLValueFromString is the reverse mapping, producing the symbolic
// form journal attributes carry (a literal marker cannot survive an
// XML attribute round trip).
func EOLValueFromString(eol string) string {
	switch eol {
	case "\n":
		return "LF"
	case "\r":
		return "CR"
	case "\r\n":
		return "CRLF"
	default:
		return ""
	}
}

// EOLFromValue decodes the symbolic journal form back to a marker.
func EOLFromValue(value string) string {
	switch value {
	case "LF":
		return "\n"
	case "CR":
		return "\r"
	case "CRLF":
		return "\r\n"
	case "native":
		return NativeEOL
	default:
		return ""
	}
}

// Keywords holds the substitution values of the active keywords. A nil
// Keywords or an empty field means the keyword is inactive.
type Keywords struct {
	Revision string
	Date     string
	Author   string
	URL      string
}

// Empty reports whether no keyword is active.
func (k *Keywords) Empty() bool {
	return k == nil || (k.Revision == "" && k.Date == "" && k.Author == "" && k.URL == "")
}

// KeywordsFromValue builds the active keyword set from the keywords
// property value (a whitespace-separated list of keyword names) and the
// entry's committed provenance. Inactive when the value names nothing
// known.
func KeywordsFromValue(value, revision, date, author, url string) *Keywords {
	if value == "" {
		return nil
	}
	kw := &Keywords{}
	active := false
	for _, name := range strings.Fields(value) {
		switch name {
		case "Rev", "Revision", "LastChangedRevision":
			kw.Revision = orUnknown(revision)
			active = true
		case "Date", "LastChangedDate":
			kw.Date = orUnknown(date)
			active = true
		case "Author", "LastChangedBy":
			kw.Author = orUnknown(author)
			active = true
		case "URL", "HeadURL":
			kw.URL = orUnknown(url)
			active = true
		}
	}
	if !active {
		return nil
	}
	return kw
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

var keywordNames = []string{"Rev", "Date", "Author", "URL"}

func (k *Keywords) value(name string) string {
	switch name {
	case "Rev":
		return k.Revision
	case "Date":
		return k.Date
	case "Author":
		return k.Author
	case "URL":
		return k.URL
	}
	return ""
}

// Translate converts DATA's line endings to EOL (empty: leave alone)
// and expands or contracts keywords. With repair set, inconsistent
// line endings are normalized; without it they are an error. The
// translation is its own inverse modulo repair: expand then contract
// returns the repository normal form.
func Translate(data []byte, eol string, repair bool, keywords *Keywords, expand bool) ([]byte, error) {
	out := data
	if !keywords.Empty() {
		out = translateKeywords(out, keywords, expand)
	}
	if eol != "" {
		var err error
		out, err = translateEOL(out, eol, repair)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func translateEOL(data []byte, eol string, repair bool) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(data))

	seen := ""
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\r' && c != '\n' {
			out.WriteByte(c)
			continue
		}

		marker := "\n"
		if c == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				marker = "\r\n"
				i++
			} else {
				marker = "\r"
			}
		}

		if seen == "" {
			seen = marker
		} else if seen != marker && !repair {
			return nil, fmt.Errorf("%w: both %q and %q present",
				ErrInconsistentEOL, EOLValueFromString(seen), EOLValueFromString(marker))
		}

		out.WriteString(eol)
	}
	return out.Bytes(), nil
}

func translateKeywords(data []byte, keywords *Keywords, expand bool) []byte {
	out := data
	for _, name := range keywordNames {
		value := keywords.value(name)
		if value == "" {
			continue
		}
		contracted := []byte("$" + name + "$")
		expanded := []byte("$" + name + ": " + value + " $")

		if expand {
			// Refresh already expanded forms first, then grow the
			// contracted ones.
			out = replaceExpandedForms(out, name, expanded)
			out = bytes.ReplaceAll(out, contracted, expanded)
		} else {
			out = replaceExpandedForms(out, name, contracted)
		}
	}
	return out
}

// replaceExpandedForms rewrites every "$Name: anything $" occurrence to
// REPLACEMENT, leaving bare "$Name$" forms alone.
func replaceExpandedForms(data []byte, name string, replacement []byte) []byte {
	prefix := []byte("$" + name + ": ")
	var out bytes.Buffer
	rest := data
	for {
		i := bytes.Index(rest, prefix)
		if i < 0 {
			out.Write(rest)
			return out.Bytes()
		}
		// The expanded form ends at " $" on the same line.
		end := bytes.Index(rest[i:], []byte(" $"))
		nl := bytes.IndexByte(rest[i:], '\n')
		if end < 0 || (nl >= 0 && nl < end) {
			out.Write(rest[:i+len(prefix)])
			rest = rest[i+len(prefix):]
			continue
		}
		out.Write(rest[:i])
		out.Write(replacement)
		rest = rest[i+end+2:]
	}
}

// CopyAndTranslate reads SRC, translates, and writes DST. EOLVALUE is
// the symbolic eol form ("LF", "CRLF", "native", empty for none).
func CopyAndTranslate(fs afero.Fs, src, dst, eolValue string, repair bool, keywords *Keywords, expand bool) error {
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	out, err := Translate(data, EOLFromValue(eolValue), repair, keywords, expand)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, dst, out, 0o644)
}

// Detranslate returns DATA in repository normal form: LF line endings,
// keywords contracted. Used to compare a working file against its
// pristine base.
func Detranslate(data []byte, eolStyle EOLStyle, keywords *Keywords) ([]byte, error) {
	eol := ""
	if eolStyle != EOLNone {
		eol = "\n"
	}
	return Translate(data, eol, true, keywords, false)
}
