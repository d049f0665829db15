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

	"github.com/stretchr/testify/require"
)

func TestEOLTranslation(t *testing.T) {
	for _, d := range []struct {
		name     string
		input    string
		eol      string
		repair   bool
		expected string
	}{
		{"lf to crlf", "a\nb\n", "\r\n", false, "a\r\nb\r\n"},
		{"crlf to lf", "a\r\nb\r\n", "\n", false, "a\nb\n"},
		{"cr to lf", "a\rb\r", "\n", false, "a\nb\n"},
		{"mixed repaired", "a\nb\r\nc\r", "\n", true, "a\nb\nc\n"},
		{"no trailing newline", "a\r\nb", "\n", false, "a\nb"},
	} {
		out, err := Translate([]byte(d.input), d.eol, d.repair, nil, false)
		require.NoError(t, err, d.name)
		require.Equal(t, d.expected, string(out), d.name)
	}
}

func TestEOLTranslationRefusesMixedWithoutRepair(t *testing.T) {
	_, err := Translate([]byte("a\nb\r\n"), "\n", false, nil, false)
	require.ErrorIs(t, err, ErrInconsistentEOL)
}

func TestKeywordExpansionAndContraction(t *testing.T) {
	kw := &Keywords{Revision: "42", Author: "ada"}

	expanded, err := Translate([]byte("id $Rev$ by $Author$\n"), "", false, kw, true)
	require.NoError(t, err)
	require.Equal(t, "id $Rev: 42 $ by $Author: ada $\n", string(expanded))

	// Re-expanding refreshes stale values.
	fresh := &Keywords{Revision: "43", Author: "ada"}
	refreshed, err := Translate(expanded, "", false, fresh, true)
	require.NoError(t, err)
	require.Equal(t, "id $Rev: 43 $ by $Author: ada $\n", string(refreshed))

	// Contraction restores the bare form.
	contracted, err := Translate(refreshed, "", false, fresh, false)
	require.NoError(t, err)
	require.Equal(t, "id $Rev$ by $Author$\n", string(contracted))
}

func TestInactiveKeywordsLeftAlone(t *testing.T) {
	kw := &Keywords{Revision: "42"}
	out, err := Translate([]byte("$Author$ $Rev$\n"), "", false, kw, true)
	require.NoError(t, err)
	require.Equal(t, "$Author$ $Rev: 42 $\n", string(out))
}

// Round trip of law: expand then detranslate returns repository normal
// form.
func TestTranslateDetranslateRoundTrip(t *testing.T) {
	pristine := []byte("v $Rev$\nline\n")
	kw := &Keywords{Revision: "7"}

	working, err := Translate(pristine, "\r\n", false, kw, true)
	require.NoError(t, err)
	require.Equal(t, "v $Rev: 7 $\r\nline\r\n", string(working))

	back, err := Detranslate(working, EOLFixed, kw)
	require.NoError(t, err)
	require.Equal(t, pristine, back)
}

func TestKeywordsFromValue(t *testing.T) {
	kw := KeywordsFromValue("Rev Author", "5", "2026-01-01", "ada", "repo:///f")
	require.NotNil(t, kw)
	require.Equal(t, "5", kw.Revision)
	require.Equal(t, "ada", kw.Author)
	require.Empty(t, kw.Date)
	require.Empty(t, kw.URL)

	require.Nil(t, KeywordsFromValue("", "5", "", "", ""))
	require.Nil(t, KeywordsFromValue("Nonsense", "5", "", "", ""))

	// Missing provenance substitutes a placeholder.
	kw = KeywordsFromValue("Author", "", "", "", "")
	require.Equal(t, "?", kw.Author)
}

func TestEOLStyleValues(t *testing.T) {
	style, eol := EOLStyleFromValue("native")
	require.Equal(t, EOLNative, style)
	require.Equal(t, NativeEOL, eol)

	style, eol = EOLStyleFromValue("CRLF")
	require.Equal(t, EOLFixed, style)
	require.Equal(t, "\r\n", eol)

	style, _ = EOLStyleFromValue("bogus")
	require.Equal(t, EOLNone, style)

	require.Equal(t, "CRLF", EOLValueFromString("\r\n"))
	require.Equal(t, "\r\n", EOLFromValue("CRLF"))
	require.Equal(t, NativeEOL, EOLFromValue("native"))
}
