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
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// FS exposes a Store through DagNode handles.
type FS struct {
	store Store
}

func NewFS(store Store) *FS {
	return &FS{store: store}
}

func (fs *FS) Store() Store { return fs.store }

// DagNode is a handle over one node-revision. The kind and created path
// are populated eagerly, the full node-revision is cached on first read.
// Multiple handles over the same id may coexist, each with its own
// cache; a mutable handle must never be shared across transactions.
type DagNode struct {
	fs          *FS
	id          NodeID
	kind        NodeKind
	createdPath string

	// Cached node-revision, nil until first read. Dropped after any
	// operation that may have changed stored state, so a later read
	// observes fresh data.
	noderev *NodeRevision
}

// GetNode fetches the node-revision for ID and returns a fresh handle.
func (fs *FS) GetNode(ctx context.Context, id NodeID) (*DagNode, error) {
	node := &DagNode{fs: fs, id: id}
	nr, err := node.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	node.kind = nr.Kind
	node.createdPath = nr.CreatedPath
	return node, nil
}

// RevisionRoot returns a handle over the root directory of committed
// revision REV.
func (fs *FS) RevisionRoot(ctx context.Context, rev Revnum) (*DagNode, error) {
	id, err := fs.store.RevisionRoot(ctx, rev)
	if err != nil {
		return nil, err
	}
	return fs.GetNode(ctx, id)
}

// TxnRoot returns a handle over the transaction's current root.
func (fs *FS) TxnRoot(ctx context.Context, txnID string) (*DagNode, error) {
	root, _, err := fs.store.TxnIDs(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return fs.GetNode(ctx, root)
}

// TxnBaseRoot returns a handle over the root the transaction is based
// on.
func (fs *FS) TxnBaseRoot(ctx context.Context, txnID string) (*DagNode, error) {
	_, base, err := fs.store.TxnIDs(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return fs.GetNode(ctx, base)
}

// CloneRoot returns the transaction's mutable root directory. When the
// transaction root still aliases its base root, the base root is cloned
// into the transaction first.
func (fs *FS) CloneRoot(ctx context.Context, txnID string) (*DagNode, error) {
	root, base, err := fs.store.TxnIDs(ctx, txnID)
	if err != nil {
		return nil, err
	}

	if root.Equal(base) {
		nr, err := fs.store.GetNodeRevision(ctx, base)
		if err != nil {
			return nil, err
		}
		pred := base
		nr.PredecessorID = &pred
		if nr.PredecessorCount != -1 {
			nr.PredecessorCount++
		}
		root, err = fs.store.CreateSuccessor(ctx, base, nr, base.Copy, txnID)
		if err != nil {
			return nil, err
		}
		if err := fs.store.SetTxnRoot(ctx, txnID, root); err != nil {
			return nil, err
		}
	}

	return fs.GetNode(ctx, root)
}

// CommitTxn atomically promotes all nodes of the transaction to a new
// committed revision.
func (fs *FS) CommitTxn(ctx context.Context, txnID string) (Revnum, error) {
	return fs.store.CommitTxn(ctx, txnID)
}

func (n *DagNode) ID() NodeID          { return n.id }
func (n *DagNode) Kind() NodeKind      { return n.kind }
func (n *DagNode) CreatedPath() string { return n.createdPath }
func (n *DagNode) FS() *FS             { return n.fs }

// nodeRevision returns the cached node-revision, reading it in when
// necessary.
func (n *DagNode) nodeRevision(ctx context.Context) (*NodeRevision, error) {
	if n.noderev == nil {
		nr, err := n.fs.store.GetNodeRevision(ctx, n.id)
		if err != nil {
			return nil, err
		}
		n.noderev = nr
	}
	return n.noderev, nil
}

// invalidate drops the node-revision cache. Called after operations
// that change stored state, so a caller never observes stale data after
// a failed or successful sub-operation.
func (n *DagNode) invalidate() { n.noderev = nil }

// CheckMutable reports whether the node may be mutated inside TXNID.
//
// Note the looseness inherited from the original model: only the
// presence of a transaction id on the node is checked, not that it
// matches TXNID. A stricter implementation would verify membership in
// the same transaction.
func (n *DagNode) CheckMutable(txnID string) bool {
	return n.id.IsTxn()
}

// WalkPredecessors traverses the predecessor chain newest to oldest.
// VISIT receives each predecessor in turn and may set done to stop
// early; after the last real node it is called once more with a nil
// node to signal exhaustion.
func (n *DagNode) WalkPredecessors(ctx context.Context, visit func(node *DagNode, done *bool) error) error {
	this := n
	done := false

	for !done && this != nil {
		nr, err := this.nodeRevision(ctx)
		if err != nil {
			return err
		}

		if nr.PredecessorID != nil {
			this, err = n.fs.GetNode(ctx, *nr.PredecessorID)
			if err != nil {
				return err
			}
		} else {
			this = nil
		}

		if err := visit(this, &done); err != nil {
			return err
		}
	}

	return nil
}

// PredecessorID returns the id of the node's predecessor, or nil.
func (n *DagNode) PredecessorID(ctx context.Context) (*NodeID, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	return nr.PredecessorID, nil
}

// PredecessorCount returns the length of the predecessor chain, -1 when
// unknown.
func (n *DagNode) PredecessorCount(ctx context.Context) (int, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return 0, err
	}
	return nr.PredecessorCount, nil
}

// CopyRoot returns the id of the node that originated the current copy
// lineage, or nil.
func (n *DagNode) CopyRoot(ctx context.Context) (*NodeID, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	return nr.CopyRoot, nil
}

// Copyfrom returns the recorded copy provenance, if any.
func (n *DagNode) Copyfrom(ctx context.Context) (Revnum, string, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return InvalidRevnum, "", err
	}
	return nr.CopyfromRev, nr.CopyfromPath, nil
}

// DirEntries returns the directory's entry mapping, failing with
// ErrNotDirectory on files.
func (n *DagNode) DirEntries(ctx context.Context) (map[string]DirEntry, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	if nr.Kind != KindDir {
		return nil, fmt.Errorf("%w: attempted to read entries of %q", ErrNotDirectory, n.createdPath)
	}
	return n.fs.store.DirEntries(ctx, nr)
}

// entryID looks up NAME in the directory's entries, nil when absent.
func (n *DagNode) entryID(ctx context.Context, name string) (*NodeID, error) {
	entries, err := n.DirEntries(ctx)
	if err != nil {
		return nil, err
	}
	ent, ok := entries[name]
	if !ok {
		return nil, nil
	}
	id := ent.ID
	return &id, nil
}

// SetEntry adds or replaces entry NAME in this mutable directory. The
// caller must ensure ID does not name an ancestor of this directory.
func (n *DagNode) SetEntry(ctx context.Context, name string, id NodeID, kind NodeKind, txnID string) error {
	if n.kind != KindDir {
		return fmt.Errorf("%w: attempted to set entry in non-directory node", ErrNotDirectory)
	}
	if !n.CheckMutable(txnID) {
		return fmt.Errorf("%w: attempted to set entry in immutable node", ErrNotMutable)
	}
	if !IsSinglePathComponent(name) {
		return fmt.Errorf("%w: %q", ErrNotSinglePathComponent, name)
	}
	defer n.invalidate()
	return n.fs.store.SetEntry(ctx, txnID, n.id, name, id, kind)
}

// makeEntry allocates a fresh child node named NAME under this mutable
// directory. The child shares the parent's copy identity.
func (n *DagNode) makeEntry(ctx context.Context, parentPath, name string, isDir bool, txnID string) (*DagNode, error) {
	if !IsSinglePathComponent(name) {
		return nil, fmt.Errorf("%w: attempted to create a node named %q", ErrNotSinglePathComponent, name)
	}
	if n.kind != KindDir {
		return nil, fmt.Errorf("%w: attempted to create entry in non-directory parent", ErrNotDirectory)
	}
	if !n.CheckMutable(txnID) {
		return nil, fmt.Errorf("%w: attempted to create entry under a non-mutable node", ErrNotMutable)
	}

	existing, err := n.entryID(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: entry %q", ErrAlreadyExists, name)
	}

	kind := KindFile
	if isDir {
		kind = KindDir
	}
	newNR := &NodeRevision{
		Kind:        kind,
		CopyfromRev: InvalidRevnum,
		CreatedPath: JoinPath(parentPath, name),
	}
	childID, err := n.fs.store.CreateNode(ctx, newNR, n.id.Copy, txnID)
	if err != nil {
		return nil, err
	}

	child, err := n.fs.GetNode(ctx, childID)
	if err != nil {
		return nil, err
	}

	// The child was just created so it has no ancestors; it cannot name
	// an ancestor of the parent.
	if err := n.SetEntry(ctx, name, child.id, kind, txnID); err != nil {
		return nil, err
	}

	return child, nil
}

// MakeFile creates a new empty file named NAME under this directory.
func (n *DagNode) MakeFile(ctx context.Context, parentPath, name, txnID string) (*DagNode, error) {
	return n.makeEntry(ctx, parentPath, name, false, txnID)
}

// MakeDir creates a new empty directory named NAME under this
// directory.
func (n *DagNode) MakeDir(ctx context.Context, parentPath, name, txnID string) (*DagNode, error) {
	return n.makeEntry(ctx, parentPath, name, true, txnID)
}

// Open returns a handle over the existing child NAME, failing with
// ErrNotFound when the directory has no such entry.
func (n *DagNode) Open(ctx context.Context, name string) (*DagNode, error) {
	if !IsSinglePathComponent(name) {
		return nil, fmt.Errorf("%w: attempted to open node named %q", ErrNotSinglePathComponent, name)
	}
	id, err := n.entryID(ctx, name)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("%w: no child named %q", ErrNotFound, name)
	}
	return n.fs.GetNode(ctx, *id)
}

// CloneChild obtains a version of the child NAME that is mutable in
// TXNID. A child already mutable in the transaction is returned as is;
// otherwise a successor node-revision is created, recorded as the
// child's new identity in the parent's entries, and returned.
func (n *DagNode) CloneChild(ctx context.Context, parentPath, name, copyID, txnID string) (*DagNode, error) {
	if !n.CheckMutable(txnID) {
		return nil, fmt.Errorf("%w: attempted to clone child of non-mutable node", ErrNotMutable)
	}
	if !IsSinglePathComponent(name) {
		return nil, fmt.Errorf("%w: attempted to clone a child named %q", ErrNotSinglePathComponent, name)
	}

	cur, err := n.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	if cur.CheckMutable(txnID) {
		// Already cloned into this transaction.
		return cur, nil
	}

	nr, err := cur.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	nr = nr.Clone()

	pred := cur.id
	nr.PredecessorID = &pred
	if nr.PredecessorCount != -1 {
		nr.PredecessorCount++
	}
	nr.CreatedPath = JoinPath(parentPath, name)

	newID, err := n.fs.store.CreateSuccessor(ctx, cur.id, nr, copyID, txnID)
	if err != nil {
		return nil, err
	}

	if err := n.SetEntry(ctx, name, newID, nr.Kind, txnID); err != nil {
		return nil, err
	}

	return n.fs.GetNode(ctx, newID)
}

// Delete removes the entry NAME from this mutable directory. With
// requireEmpty set, deleting a non-empty directory entry is refused.
func (n *DagNode) Delete(ctx context.Context, name, txnID string, requireEmpty bool) error {
	if n.kind != KindDir {
		return fmt.Errorf("%w: attempted to delete entry of a non-directory node", ErrNotDirectory)
	}
	if !n.CheckMutable(txnID) {
		return fmt.Errorf("%w: attempted to delete entry of an immutable node", ErrNotMutable)
	}
	if !IsSinglePathComponent(name) {
		return fmt.Errorf("%w: attempted to delete a node named %q", ErrNotSinglePathComponent, name)
	}

	target, err := n.entryID(ctx, name)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: %q", ErrNoSuchEntry, name)
	}

	if requireEmpty {
		child, err := n.fs.GetNode(ctx, *target)
		if err != nil {
			return err
		}
		if child.Kind() == KindDir {
			entries, err := child.DirEntries(ctx)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return fmt.Errorf("%w: %q", ErrDirNotEmpty, name)
			}
		}
	}

	defer n.invalidate()
	return n.fs.store.RemoveEntry(ctx, txnID, n.id, name)
}

// Copy inserts ENTRY into TONODE naming FROMNODE's tree. With
// preserveHistory the new entry is a successor of FROMNODE starting a
// fresh copy lineage and recording FROMREV/FROMPATH as its provenance;
// without it the entry simply aliases FROMNODE.
func Copy(ctx context.Context, toNode *DagNode, entry string, fromNode *DagNode, preserveHistory bool, fromRev Revnum, fromPath, txnID string) error {
	var id NodeID

	if preserveHistory {
		nr, err := fromNode.nodeRevision(ctx)
		if err != nil {
			return err
		}
		nr = nr.Clone()

		pred := fromNode.id
		nr.PredecessorID = &pred
		if nr.PredecessorCount != -1 {
			nr.PredecessorCount++
		}
		nr.CopyfromRev = fromRev
		nr.CopyfromPath = fromPath
		nr.CreatedPath = JoinPath(toNode.createdPath, entry)

		// An empty copy id asks the store to mint a fresh lineage.
		newID, err := toNode.fs.store.CreateSuccessor(ctx, fromNode.id, nr, "", txnID)
		if err != nil {
			return err
		}

		// The copied node itself roots the new lineage.
		root := newID
		nr.CopyRoot = &root
		if err := toNode.fs.store.PutNodeRevision(ctx, newID, nr); err != nil {
			return err
		}
		id = newID
	} else {
		id = fromNode.id
	}

	return toNode.SetEntry(ctx, entry, id, fromNode.kind, txnID)
}

// ThingsDifferent compares the representation keys of two nodes. Equal
// keys guarantee equality; unequal keys are reported as changed without
// inspecting contents.
func ThingsDifferent(ctx context.Context, n1, n2 *DagNode) (propsChanged, contentsChanged bool, err error) {
	nr1, err := n1.nodeRevision(ctx)
	if err != nil {
		return false, false, err
	}
	nr2, err := n2.nodeRevision(ctx)
	if err != nil {
		return false, false, err
	}

	return !SameRepKey(nr1.PropRep, nr2.PropRep),
		!SameRepKey(nr1.DataRep, nr2.DataRep),
		nil
}

// IsAncestor reports whether A is an ancestor of B via B's predecessor
// chain. Relatedness is a prerequisite.
func IsAncestor(ctx context.Context, a, b *DagNode) (bool, error) {
	return walkForAncestor(ctx, a, b, false)
}

// IsParent reports whether A is the immediate predecessor of B.
func IsParent(ctx context.Context, a, b *DagNode) (bool, error) {
	return walkForAncestor(ctx, a, b, true)
}

func walkForAncestor(ctx context.Context, a, b *DagNode, parentOnly bool) (bool, error) {
	if !a.id.Related(b.id) {
		return false, nil
	}

	found := false
	err := b.WalkPredecessors(ctx, func(node *DagNode, done *bool) error {
		if node != nil {
			if a.id.Equal(node.id) {
				found = true
			}
			if parentOnly {
				*done = true
			}
		}
		return nil
	})
	return found, err
}

// Proplist returns the node's property list; an empty representation
// yields an empty list.
func (n *DagNode) Proplist(ctx context.Context) (map[string]string, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	if nr.PropRep == "" {
		return map[string]string{}, nil
	}
	data, err := n.fs.store.ReadRep(ctx, nr.PropRep)
	if err != nil {
		return nil, err
	}
	return ParseProps(data)
}

// SetProplist installs PROPS as the node's property list. The node must
// be mutable in TXNID.
func (n *DagNode) SetProplist(ctx context.Context, props map[string]string, txnID string) error {
	if !n.CheckMutable(txnID) {
		return fmt.Errorf("%w: attempted to set proplist of an immutable node", ErrNotMutable)
	}

	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return err
	}
	nr = nr.Clone()

	key, err := n.fs.store.WriteRep(ctx, DumpProps(props))
	if err != nil {
		return err
	}
	nr.PropRep = key

	defer n.invalidate()
	return n.fs.store.PutNodeRevision(ctx, n.id, nr)
}

// Contents returns the file's committed or staged bytes.
func (n *DagNode) Contents(ctx context.Context) ([]byte, error) {
	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return nil, err
	}
	if nr.Kind != KindFile {
		return nil, fmt.Errorf("%w: attempted to get textual contents of a non-file node", ErrNotFile)
	}
	if nr.DataRep == "" {
		return []byte{}, nil
	}
	return n.fs.store.ReadRep(ctx, nr.DataRep)
}

// FileLength returns the length of the file's contents.
func (n *DagNode) FileLength(ctx context.Context) (int64, error) {
	data, err := n.Contents(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// FileChecksum returns the hex md5 of the file's contents.
func (n *DagNode) FileChecksum(ctx context.Context) (string, error) {
	data, err := n.Contents(ctx)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// GetEditStream opens the mutable text stream of this file. The node
// must be a file mutable in TXNID; FinalizeEdits completes the edit.
func (n *DagNode) GetEditStream(ctx context.Context, txnID string) (EditStream, error) {
	if n.kind != KindFile {
		return nil, fmt.Errorf("%w: attempted to set textual contents of a non-file node", ErrNotFile)
	}
	if !n.CheckMutable(txnID) {
		return nil, fmt.Errorf("%w: attempted to set textual contents of an immutable node", ErrNotMutable)
	}
	defer n.invalidate()
	return n.fs.store.OpenEdit(ctx, n.id)
}

// FinalizeEdits validates CHECKSUM against the running hash of the open
// edit stream and installs the new contents. A node with no open edit
// stream is a no-op.
func (n *DagNode) FinalizeEdits(ctx context.Context, checksum, txnID string) error {
	if n.kind != KindFile {
		return fmt.Errorf("%w: attempted to finalize edits of a non-file node", ErrNotFile)
	}
	if !n.CheckMutable(txnID) {
		return fmt.Errorf("%w: attempted to finalize edits of an immutable node", ErrNotMutable)
	}

	nr, err := n.nodeRevision(ctx)
	if err != nil {
		return err
	}
	if nr.EditKey == "" {
		return nil
	}

	defer n.invalidate()
	return n.fs.store.FinalizeEdit(ctx, n.id, checksum)
}

// IsSinglePathComponent reports whether NAME is usable as a directory
// entry name: non-empty, no separator, not "." or "..".
func IsSinglePathComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// JoinPath joins a parent path and an entry name the way created paths
// are recorded.
func JoinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
