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
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var ErrInvalidProplist = errors.New("invalid proplist data")

// Property representations use a length-prefixed record format so that
// names and values may carry arbitrary bytes:
//
//	K 4
//	name
//	V 5
//	value
//	END
//
// Keys are emitted sorted, which makes equal lists produce equal
// representations (and therefore equal rep keys).

// DumpProps serializes a property list.
func DumpProps(props map[string]string) []byte {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "K %d\n%s\nV %d\n%s\n", len(name), name, len(props[name]), props[name])
	}
	buf.WriteString("END\n")
	return buf.Bytes()
}

// ParseProps deserializes a property list.
func ParseProps(data []byte) (map[string]string, error) {
	props := map[string]string{}
	rest := data

	readRecord := func(marker byte) (string, error) {
		if len(rest) < 4 || rest[0] != marker || rest[1] != ' ' {
			return "", fmt.Errorf("%w: expected %c record", ErrInvalidProplist, marker)
		}
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return "", fmt.Errorf("%w: unterminated %c header", ErrInvalidProplist, marker)
		}
		size, err := strconv.Atoi(string(rest[2:nl]))
		if err != nil || size < 0 {
			return "", fmt.Errorf("%w: bad %c length", ErrInvalidProplist, marker)
		}
		rest = rest[nl+1:]
		if len(rest) < size+1 || rest[size] != '\n' {
			return "", fmt.Errorf("%w: truncated %c record", ErrInvalidProplist, marker)
		}
		value := string(rest[:size])
		rest = rest[size+1:]
		return value, nil
	}

	for {
		if bytes.HasPrefix(rest, []byte("END\n")) || bytes.Equal(rest, []byte("END")) {
			return props, nil
		}
		name, err := readRecord('K')
		if err != nil {
			return nil, err
		}
		value, err := readRecord('V')
		if err != nil {
			return nil, err
		}
		props[name] = value
	}
}
