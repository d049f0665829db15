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
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	base58 "github.com/jbenet/go-base58"
)

// memStore is the in-memory Store. Node-revisions are keyed by the
// string form of their NodeID, directory contents live in
// representations like file contents do, so equal directories share a
// rep key.
type memStore struct {
	mu sync.Mutex

	nodes    map[string]*NodeRevision
	reps     map[RepKey][]byte
	txns     map[string]*memTxn
	revRoots []NodeID
	edits    map[string]*memEdit

	nextNode int
	nextCopy int
}

type memTxn struct {
	root NodeID
	base NodeID
}

type memEdit struct {
	buf  bytes.Buffer
	hash [16]byte // never set; FinalizeEdit hashes buf itself
}

var _ Store = (*memStore)(nil)

// InMemory returns a Store holding everything in process memory,
// initialized with an empty root directory at revision 0.
func InMemory() Store {
	st := &memStore{
		nodes: map[string]*NodeRevision{},
		reps:  map[RepKey][]byte{},
		txns:  map[string]*memTxn{},
		edits: map[string]*memEdit{},
	}

	rootID := NodeID{Node: "0", Copy: "0", Rev: 0}
	st.nodes[rootID.String()] = &NodeRevision{
		Kind:        KindDir,
		CopyfromRev: InvalidRevnum,
		CreatedPath: "/",
	}
	st.revRoots = []NodeID{rootID}
	st.nextNode = 1
	st.nextCopy = 1
	return st
}

func (st *memStore) GetNodeRevision(ctx context.Context, id NodeID) (*NodeRevision, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getLocked(id)
}

func (st *memStore) getLocked(id NodeID) (*NodeRevision, error) {
	nr, ok := st.nodes[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nr.Clone(), nil
}

func (st *memStore) PutNodeRevision(ctx context.Context, id NodeID, nr *NodeRevision) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !id.IsTxn() {
		return fmt.Errorf("%w: attempted to replace committed node revision %s", ErrNotMutable, id)
	}
	if _, ok := st.nodes[id.String()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.nodes[id.String()] = nr.Clone()
	return nil
}

func (st *memStore) CreateNode(ctx context.Context, nr *NodeRevision, copyID, txnID string) (NodeID, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.txns[txnID]; !ok {
		return NodeID{}, fmt.Errorf("%w: %q", ErrNoSuchTxn, txnID)
	}
	if copyID == "" {
		copyID = st.mintCopyLocked()
	}
	id := NodeID{
		Node: strconv.Itoa(st.nextNode),
		Copy: copyID,
		Txn:  txnID,
		Rev:  InvalidRevnum,
	}
	st.nextNode++
	st.nodes[id.String()] = nr.Clone()
	return id, nil
}

func (st *memStore) CreateSuccessor(ctx context.Context, old NodeID, nr *NodeRevision, copyID, txnID string) (NodeID, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.txns[txnID]; !ok {
		return NodeID{}, fmt.Errorf("%w: %q", ErrNoSuchTxn, txnID)
	}
	if _, ok := st.nodes[old.String()]; !ok {
		return NodeID{}, fmt.Errorf("%w: %s", ErrNotFound, old)
	}
	if copyID == "" {
		copyID = st.mintCopyLocked()
	}
	id := NodeID{
		Node: old.Node,
		Copy: copyID,
		Txn:  txnID,
		Rev:  InvalidRevnum,
	}
	if _, exists := st.nodes[id.String()]; exists {
		return NodeID{}, fmt.Errorf("%w: successor %s", ErrAlreadyExists, id)
	}
	st.nodes[id.String()] = nr.Clone()
	return id, nil
}

func (st *memStore) mintCopyLocked() string {
	id := strconv.Itoa(st.nextCopy)
	st.nextCopy++
	return id
}

// Directory contents are stored as a representation: one K/V record per
// entry, the value carrying kind and id. Encoding through reps gives
// identical directories identical rep keys.

func encodeDirEntries(entries map[string]DirEntry) []byte {
	flat := make(map[string]string, len(entries))
	for name, ent := range entries {
		flat[name] = ent.Kind.String() + " " + ent.ID.String()
	}
	return DumpProps(flat)
}

func decodeDirEntries(data []byte) (map[string]DirEntry, error) {
	flat, err := ParseProps(data)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]DirEntry, len(flat))
	for name, value := range flat {
		var kindStr, idStr string
		if n, err := fmt.Sscanf(value, "%s %s", &kindStr, &idStr); n != 2 || err != nil {
			return nil, fmt.Errorf("%w: directory entry %q", ErrInvalidProplist, name)
		}
		id, err := ParseNodeID(idStr)
		if err != nil {
			return nil, err
		}
		kind := KindFile
		if kindStr == KindDir.String() {
			kind = KindDir
		}
		entries[name] = DirEntry{Name: name, ID: id, Kind: kind}
	}
	return entries, nil
}

func (st *memStore) DirEntries(ctx context.Context, nr *NodeRevision) (map[string]DirEntry, error) {
	if nr.Kind != KindDir {
		return nil, ErrNotDirectory
	}
	if nr.DataRep == "" {
		return map[string]DirEntry{}, nil
	}

	st.mu.Lock()
	data, ok := st.reps[nr.DataRep]
	st.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: representation %s", ErrNotFound, nr.DataRep)
	}
	return decodeDirEntries(data)
}

func (st *memStore) mutateEntries(parent NodeID, mutate func(entries map[string]DirEntry) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !parent.IsTxn() {
		return fmt.Errorf("%w: directory %s", ErrNotMutable, parent)
	}
	nr, ok := st.nodes[parent.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	if nr.Kind != KindDir {
		return ErrNotDirectory
	}

	entries := map[string]DirEntry{}
	if nr.DataRep != "" {
		data, ok := st.reps[nr.DataRep]
		if !ok {
			return fmt.Errorf("%w: representation %s", ErrNotFound, nr.DataRep)
		}
		var err error
		if entries, err = decodeDirEntries(data); err != nil {
			return err
		}
	}

	if err := mutate(entries); err != nil {
		return err
	}

	nr.DataRep = st.writeRepLocked(encodeDirEntries(entries))
	return nil
}

func (st *memStore) SetEntry(ctx context.Context, txnID string, parent NodeID, name string, id NodeID, kind NodeKind) error {
	return st.mutateEntries(parent, func(entries map[string]DirEntry) error {
		entries[name] = DirEntry{Name: name, ID: id, Kind: kind}
		return nil
	})
}

func (st *memStore) RemoveEntry(ctx context.Context, txnID string, parent NodeID, name string) error {
	return st.mutateEntries(parent, func(entries map[string]DirEntry) error {
		if _, ok := entries[name]; !ok {
			return fmt.Errorf("%w: %q", ErrNoSuchEntry, name)
		}
		delete(entries, name)
		return nil
	})
}

func (st *memStore) BeginTxn(ctx context.Context, base Revnum) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if base < 0 || int(base) >= len(st.revRoots) {
		return "", fmt.Errorf("%w: %d", ErrNoSuchRevision, base)
	}

	txnID := uuid.NewString()[:8]
	root := st.revRoots[base]
	st.txns[txnID] = &memTxn{root: root, base: root}
	return txnID, nil
}

func (st *memStore) TxnIDs(ctx context.Context, txnID string) (NodeID, NodeID, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	txn, ok := st.txns[txnID]
	if !ok {
		return NodeID{}, NodeID{}, fmt.Errorf("%w: %q", ErrNoSuchTxn, txnID)
	}
	return txn.root, txn.base, nil
}

func (st *memStore) SetTxnRoot(ctx context.Context, txnID string, root NodeID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	txn, ok := st.txns[txnID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchTxn, txnID)
	}
	txn.root = root
	return nil
}

func (st *memStore) RevisionRoot(ctx context.Context, rev Revnum) (NodeID, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if rev < 0 || int(rev) >= len(st.revRoots) {
		return NodeID{}, fmt.Errorf("%w: %d", ErrNoSuchRevision, rev)
	}
	return st.revRoots[rev], nil
}

func (st *memStore) Youngest(ctx context.Context) (Revnum, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Revnum(len(st.revRoots) - 1), nil
}

// CommitTxn promotes every node reachable from the transaction root
// that is mutable in the transaction. Ids are rewritten bottom-up so
// parent entries point at the committed children; mutable nodes left
// unreachable by aborted subtrees are discarded with the transaction.
func (st *memStore) CommitTxn(ctx context.Context, txnID string) (Revnum, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	txn, ok := st.txns[txnID]
	if !ok {
		return InvalidRevnum, fmt.Errorf("%w: %q", ErrNoSuchTxn, txnID)
	}

	newRev := Revnum(len(st.revRoots))
	promoted := map[string]NodeID{}

	var promote func(id NodeID) (NodeID, error)
	promote = func(id NodeID) (NodeID, error) {
		if id.Txn != txnID {
			return id, nil
		}
		if done, ok := promoted[id.String()]; ok {
			return done, nil
		}

		nr, ok := st.nodes[id.String()]
		if !ok {
			return NodeID{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if nr.EditKey != "" {
			return NodeID{}, fmt.Errorf("%w: node %s", ErrEditInProgress, id)
		}
		nr = nr.Clone()

		if nr.Kind == KindDir && nr.DataRep != "" {
			entries, err := decodeDirEntries(st.reps[nr.DataRep])
			if err != nil {
				return NodeID{}, err
			}
			for name, ent := range entries {
				childID, err := promote(ent.ID)
				if err != nil {
					return NodeID{}, err
				}
				ent.ID = childID
				entries[name] = ent
			}
			nr.DataRep = st.writeRepLocked(encodeDirEntries(entries))
		}

		newID := NodeID{Node: id.Node, Copy: id.Copy, Rev: newRev}
		if nr.CopyRoot != nil && nr.CopyRoot.Equal(id) {
			// A copy roots its own lineage; follow it into the new
			// revision.
			root := newID
			nr.CopyRoot = &root
		}
		st.nodes[newID.String()] = nr
		promoted[id.String()] = newID
		return newID, nil
	}

	newRoot, err := promote(txn.root)
	if err != nil {
		return InvalidRevnum, err
	}

	for old := range promoted {
		delete(st.nodes, old)
	}
	for key := range st.nodes {
		if id, err := ParseNodeID(key); err == nil && id.Txn == txnID {
			delete(st.nodes, key)
		}
	}
	delete(st.txns, txnID)
	st.revRoots = append(st.revRoots, newRoot)
	return newRev, nil
}

func (st *memStore) ReadRep(ctx context.Context, key RepKey) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, ok := st.reps[key]
	if !ok {
		return nil, fmt.Errorf("%w: representation %s", ErrNotFound, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (st *memStore) WriteRep(ctx context.Context, data []byte) (RepKey, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.writeRepLocked(data), nil
}

func (st *memStore) writeRepLocked(data []byte) RepKey {
	sum := sha256.Sum256(data)
	key := RepKey(base58.Encode(sum[:]))
	if _, ok := st.reps[key]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		st.reps[key] = stored
	}
	return key
}

type memEditStream struct {
	st  *memStore
	key string
}

func (s *memEditStream) Write(p []byte) (int, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	edit, ok := s.st.edits[s.key]
	if !ok {
		return 0, fmt.Errorf("%w: edit %q", ErrNotFound, s.key)
	}
	return edit.buf.Write(p)
}

func (s *memEditStream) Close() error { return nil }

func (st *memStore) OpenEdit(ctx context.Context, id NodeID) (EditStream, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !id.IsTxn() {
		return nil, fmt.Errorf("%w: %s", ErrNotMutable, id)
	}
	nr, ok := st.nodes[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if nr.EditKey != "" {
		return nil, fmt.Errorf("%w: node %s", ErrEditInProgress, id)
	}

	key := uuid.NewString()[:8]
	nr.EditKey = key
	st.edits[key] = &memEdit{}
	return &memEditStream{st: st, key: key}, nil
}

func (st *memStore) FinalizeEdit(ctx context.Context, id NodeID, checksum string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	nr, ok := st.nodes[id.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if nr.EditKey == "" {
		return nil
	}
	edit, ok := st.edits[nr.EditKey]
	if !ok {
		return fmt.Errorf("%w: edit %q", ErrNotFound, nr.EditKey)
	}

	if checksum != "" {
		sum := md5.Sum(edit.buf.Bytes())
		if hex.EncodeToString(sum[:]) != checksum {
			return fmt.Errorf("%w: expected %s, actual %s",
				ErrChecksumMismatch, checksum, hex.EncodeToString(sum[:]))
		}
	}

	delete(st.edits, nr.EditKey)
	nr.EditKey = ""
	nr.DataRep = st.writeRepLocked(edit.buf.Bytes())
	return nil
}
