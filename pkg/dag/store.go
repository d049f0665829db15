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
	"errors"
)

var (
	ErrNotFound               = errors.New("node revision not found")
	ErrNotDirectory           = errors.New("not a directory")
	ErrNotFile                = errors.New("not a file")
	ErrNotMutable             = errors.New("node is not mutable")
	ErrAlreadyExists          = errors.New("entry already exists")
	ErrNotSinglePathComponent = errors.New("not a single path component")
	ErrNoSuchEntry            = errors.New("no such entry")
	ErrDirNotEmpty            = errors.New("directory is not empty")
	ErrChecksumMismatch       = errors.New("checksum mismatch")
	ErrEditInProgress         = errors.New("edit stream still open")
	ErrNoSuchTxn              = errors.New("no such transaction")
	ErrNoSuchRevision         = errors.New("no such revision")
)

// Store is the node-revision, directory-contents, transaction and
// representation backend the DAG layer runs against. All node-revisions
// returned are private copies of stored state.
//
// Mutations are only legal on node-revisions that belong to an open
// transaction; implementations must refuse everything else.
type Store interface {
	// GetNodeRevision resolves ID, failing with ErrNotFound when the id
	// is unknown.
	GetNodeRevision(ctx context.Context, id NodeID) (*NodeRevision, error)

	// PutNodeRevision replaces the stored node-revision for a mutable
	// id.
	PutNodeRevision(ctx context.Context, id NodeID, nr *NodeRevision) error

	// CreateNode allocates a brand new node in TXNID with a fresh node
	// identity and the given copy identity.
	CreateNode(ctx context.Context, nr *NodeRevision, copyID, txnID string) (NodeID, error)

	// CreateSuccessor allocates a successor of OLD in TXNID: same node
	// identity, the requested copy identity, a fresh uncommitted id.
	CreateSuccessor(ctx context.Context, old NodeID, nr *NodeRevision, copyID, txnID string) (NodeID, error)

	// DirEntries decodes the entry mapping of a directory
	// node-revision.
	DirEntries(ctx context.Context, nr *NodeRevision) (map[string]DirEntry, error)

	// SetEntry adds or replaces entry NAME in the mutable directory
	// PARENT.
	SetEntry(ctx context.Context, txnID string, parent NodeID, name string, id NodeID, kind NodeKind) error

	// RemoveEntry removes entry NAME from the mutable directory PARENT,
	// failing with ErrNoSuchEntry when absent.
	RemoveEntry(ctx context.Context, txnID string, parent NodeID, name string) error

	// BeginTxn opens a transaction based on committed revision BASE and
	// returns its id. The transaction root initially aliases the base
	// root.
	BeginTxn(ctx context.Context, base Revnum) (string, error)

	// TxnIDs returns the transaction's current root and its base root.
	TxnIDs(ctx context.Context, txnID string) (root, baseRoot NodeID, err error)

	// SetTxnRoot installs a new root id for the transaction.
	SetTxnRoot(ctx context.Context, txnID string, root NodeID) error

	// CommitTxn atomically promotes every node of the transaction to a
	// new committed revision and returns it. The transaction is gone
	// afterwards.
	CommitTxn(ctx context.Context, txnID string) (Revnum, error)

	// RevisionRoot returns the id of the root directory of a committed
	// revision.
	RevisionRoot(ctx context.Context, rev Revnum) (NodeID, error)

	// Youngest returns the most recently committed revision.
	Youngest(ctx context.Context) (Revnum, error)

	// ReadRep fetches the bytes of a data or property representation.
	ReadRep(ctx context.Context, key RepKey) ([]byte, error)

	// WriteRep stores bytes and returns their content-addressed key.
	WriteRep(ctx context.Context, data []byte) (RepKey, error)

	// OpenEdit opens the mutable text stream of node ID, recording its
	// edit key. Only one edit stream may be open per node.
	OpenEdit(ctx context.Context, id NodeID) (EditStream, error)

	// FinalizeEdit validates CHECKSUM (hex md5 of the written bytes,
	// empty to skip validation) against the running hash of the open
	// edit, installs the final data representation and clears the edit
	// key. A node with no open edit is a no-op.
	FinalizeEdit(ctx context.Context, id NodeID, checksum string) error
}

// EditStream receives the new text of a mutable file. The bytes only
// become the node's contents once FinalizeEdit runs.
type EditStream interface {
	Write(p []byte) (int, error)
	Close() error
}
