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

package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropsRoundTrip(t *testing.T) {
	props := map[string]string{
		"tessera:eol-style": "native",
		"empty":             "",
		"multiline":         "a\nb\nEND\nc",
	}

	parsed, err := ParseProps(DumpProps(props))
	require.NoError(t, err)
	require.Equal(t, props, parsed)
}

func TestPropsDeterministicDump(t *testing.T) {
	a := DumpProps(map[string]string{"b": "2", "a": "1"})
	b := DumpProps(map[string]string{"a": "1", "b": "2"})
	require.Equal(t, a, b)
}

func TestParsePropsErrors(t *testing.T) {
	for _, data := range []string{
		"K 3\nfoo\n",
		"K x\nfoo\nV 1\nb\nEND\n",
		"V 1\na\nEND\n",
		"K 3\nfoo\nV 10\nbar\nEND\n",
	} {
		_, err := ParseProps([]byte(data))
		require.ErrorIs(t, err, ErrInvalidProplist, "input %q", data)
	}
}
