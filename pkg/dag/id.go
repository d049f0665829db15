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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidNodeID = errors.New("invalid node id")
)

// Revnum is a committed revision number. InvalidRevnum marks the absence
// of one (uncommitted nodes, unknown copyfrom revisions).
type Revnum int64

const InvalidRevnum Revnum = -1

func (r Revnum) Valid() bool { return r >= 0 }

// NodeID identifies one immutable node-revision.
//
// Node is the identity preserved across successors, Copy the identity of
// the copy lineage. Exactly one of Txn and Rev is meaningful: a node that
// is part of an uncommitted transaction carries the transaction id and no
// revision, a committed node carries the revision it was frozen in.
type NodeID struct {
	Node string
	Copy string
	Txn  string
	Rev  Revnum
}

// IsTxn reports whether the id names a node inside an uncommitted
// transaction. Such nodes are the only mutable ones.
func (id NodeID) IsTxn() bool { return id.Txn != "" }

func (id NodeID) Equal(other NodeID) bool {
	return id.Node == other.Node && id.Copy == other.Copy &&
		id.Txn == other.Txn && id.Rev == other.Rev
}

// Related reports whether two ids name node-revisions of the same node,
// i.e. whether they share node identity.
func (id NodeID) Related(other NodeID) bool {
	return id.Node == other.Node
}

func (id NodeID) String() string {
	var suffix string
	switch {
	case id.IsTxn():
		suffix = "t" + id.Txn
	case id.Rev.Valid():
		suffix = "r" + strconv.FormatInt(int64(id.Rev), 10)
	default:
		suffix = "x"
	}
	return id.Node + "." + id.Copy + "." + suffix
}

// ParseNodeID is the inverse of String.
func ParseNodeID(s string) (NodeID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || len(parts[2]) < 1 {
		return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}

	id := NodeID{Node: parts[0], Copy: parts[1], Rev: InvalidRevnum}
	switch parts[2][0] {
	case 't':
		if len(parts[2]) == 1 {
			return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		id.Txn = parts[2][1:]
	case 'r':
		rev, err := strconv.ParseInt(parts[2][1:], 10, 64)
		if err != nil || rev < 0 {
			return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		id.Rev = Revnum(rev)
	case 'x':
	default:
		return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return id, nil
}
