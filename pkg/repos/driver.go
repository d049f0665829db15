/*
Copyright © 2025 The Tessera Authors

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

// Package repos holds the repository-side delta sender: it compares
// two committed DAG roots and drives an update editor through the
// callback protocol in the prescribed depth-first order. A nil base
// drives a full checkout.
package repos

import (
	"context"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"github.com/tessera-vcs/go/pkg/dag"
	"github.com/tessera-vcs/go/pkg/delta"
	"github.com/tessera-vcs/go/pkg/wc"
	"github.com/tessera-vcs/go/pkg/wc/adm"
)

// DirDelta drives ED with the differences between BASE and TARGET.
// BASE may be nil, which describes everything in TARGET as added.
func DirDelta(ctx context.Context, base, target *dag.DagNode, targetRev dag.Revnum, ed wc.Editor) error {
	if err := ed.SetTargetRevision(int64(targetRev)); err != nil {
		return err
	}

	baseRev := int64(adm.InvalidRevision)
	if base != nil {
		baseRev = int64(base.ID().Rev)
	}

	root, err := ed.OpenRoot(baseRev)
	if err != nil {
		return err
	}
	if err := deltaDir(ctx, base, target, root, ed); err != nil {
		return err
	}
	if err := ed.CloseDirectory(root); err != nil {
		return err
	}
	return ed.CloseEdit()
}

func deltaDir(ctx context.Context, base, target *dag.DagNode, scope *wc.DirScope, ed wc.Editor) error {
	targetEntries, err := target.DirEntries(ctx)
	if err != nil {
		return err
	}

	baseEntries := map[string]dag.DirEntry{}
	if base != nil {
		baseEntries, err = base.DirEntries(ctx)
		if err != nil {
			return err
		}
	}

	// Deletions first, then additions and opens, every tier in sorted
	// order so drives are reproducible.
	for _, name := range sortedNames(baseEntries) {
		baseEnt := baseEntries[name]
		targetEnt, kept := targetEntries[name]
		if kept && targetEnt.Kind == baseEnt.Kind {
			continue
		}
		if err := ed.DeleteEntry(name, int64(targetRevOf(base)), scope); err != nil {
			return err
		}
	}

	if err := deltaDirProps(ctx, base, target, scope, ed); err != nil {
		return err
	}

	for _, name := range sortedNames(targetEntries) {
		targetEnt := targetEntries[name]
		baseEnt, existed := baseEntries[name]
		if existed && baseEnt.Kind != targetEnt.Kind {
			// Kind change: the delete already happened, this is an
			// add.
			existed = false
		}

		targetChild, err := target.Open(ctx, name)
		if err != nil {
			return err
		}

		var baseChild *dag.DagNode
		if existed {
			baseChild, err = base.Open(ctx, name)
			if err != nil {
				return err
			}
		}

		switch targetEnt.Kind {
		case dag.KindDir:
			if err := deltaDirEntry(ctx, name, baseChild, targetChild, scope, ed); err != nil {
				return err
			}
		default:
			if err := deltaFileEntry(ctx, name, baseChild, targetChild, scope, ed); err != nil {
				return err
			}
		}
	}

	return nil
}

func deltaDirEntry(ctx context.Context, name string, baseChild, targetChild *dag.DagNode, scope *wc.DirScope, ed wc.Editor) error {
	if baseChild == nil {
		child, err := ed.AddDirectory(name, scope, "", int64(adm.InvalidRevision))
		if err != nil {
			return err
		}
		if err := deltaDir(ctx, nil, targetChild, child, ed); err != nil {
			return err
		}
		return ed.CloseDirectory(child)
	}

	propsChanged, contentsChanged, err := dag.ThingsDifferent(ctx, baseChild, targetChild)
	if err != nil {
		return err
	}
	if !propsChanged && !contentsChanged {
		return nil
	}

	child, err := ed.OpenDirectory(name, scope, int64(baseChild.ID().Rev))
	if err != nil {
		return err
	}
	if err := deltaDir(ctx, baseChild, targetChild, child, ed); err != nil {
		return err
	}
	return ed.CloseDirectory(child)
}

func deltaFileEntry(ctx context.Context, name string, baseChild, targetChild *dag.DagNode, scope *wc.DirScope, ed wc.Editor) error {
	adding := baseChild == nil

	propsChanged, contentsChanged := true, true
	if !adding {
		var err error
		propsChanged, contentsChanged, err = dag.ThingsDifferent(ctx, baseChild, targetChild)
		if err != nil {
			return err
		}
		if !propsChanged && !contentsChanged {
			return nil
		}
	}

	var file *wc.FileScope
	var err error
	if adding {
		file, err = ed.AddFile(name, scope, "", int64(adm.InvalidRevision))
	} else {
		file, err = ed.OpenFile(name, scope, int64(baseChild.ID().Rev))
	}
	if err != nil {
		return err
	}

	if contentsChanged {
		text, err := targetChild.Contents(ctx)
		if err != nil {
			return err
		}
		handler, err := ed.ApplyTextDelta(file)
		if err != nil {
			return err
		}
		if err := delta.Send(delta.FullText(text), handler); err != nil {
			return err
		}
	}

	if propsChanged || adding {
		if err := sendPropChanges(ctx, baseChild, targetChild, file, ed); err != nil {
			return err
		}
	}

	// Freshly committed provenance rides along as an entry prop so
	// keyword expansion sees current values.
	rev := strconv.FormatInt(int64(targetChild.ID().Rev), 10)
	if err := ed.ChangeFileProp(file, adm.PropEntryCommittedRev, &rev); err != nil {
		return err
	}

	return ed.CloseFile(file)
}

func deltaDirProps(ctx context.Context, base, target *dag.DagNode, scope *wc.DirScope, ed wc.Editor) error {
	if base != nil {
		propsChanged, _, err := dag.ThingsDifferent(ctx, base, target)
		if err != nil {
			return err
		}
		if !propsChanged {
			return nil
		}
	}

	changes, err := propChanges(ctx, base, target)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if err := ed.ChangeDirProp(scope, change.Name, change.Value); err != nil {
			return err
		}
	}
	return nil
}

func sendPropChanges(ctx context.Context, base, target *dag.DagNode, file *wc.FileScope, ed wc.Editor) error {
	changes, err := propChanges(ctx, base, target)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if err := ed.ChangeFileProp(file, change.Name, change.Value); err != nil {
			return err
		}
	}
	return nil
}

func propChanges(ctx context.Context, base, target *dag.DagNode) ([]adm.PropChange, error) {
	targetProps, err := target.Proplist(ctx)
	if err != nil {
		return nil, err
	}
	baseProps := map[string]string{}
	if base != nil {
		baseProps, err = base.Proplist(ctx)
		if err != nil {
			return nil, err
		}
	}
	return adm.PropDiffs(targetProps, baseProps), nil
}

func targetRevOf(node *dag.DagNode) dag.Revnum {
	if node == nil {
		return dag.InvalidRevnum
	}
	return node.ID().Rev
}

func sortedNames(entries map[string]dag.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checkout materializes revision REV of DFS (rooted at URL) as a fresh
// working copy at DEST.
func Checkout(ctx context.Context, dfs *dag.FS, rev dag.Revnum, wcFs afero.Fs, dest, url string) error {
	root, err := dfs.RevisionRoot(ctx, rev)
	if err != nil {
		return err
	}
	ed := wc.NewCheckoutEditor(wcFs, dest, url, int64(rev), true)
	return DirDelta(ctx, nil, root, rev, ed)
}

// Update brings the working copy at PATH (checked out from DFS's
// root) to revision REV, preserving local modifications.
func Update(ctx context.Context, dfs *dag.FS, rev dag.Revnum, wcFs afero.Fs, path string) error {
	entries, err := adm.ReadEntries(wcFs, path)
	if err != nil {
		return err
	}
	thisDir := entries.ThisDir()
	if thisDir == nil {
		return wc.ErrEntryNotFound
	}

	baseRoot, err := dfs.RevisionRoot(ctx, dag.Revnum(thisDir.Revision))
	if err != nil {
		return err
	}
	targetRoot, err := dfs.RevisionRoot(ctx, rev)
	if err != nil {
		return err
	}

	ed := wc.NewUpdateEditor(wcFs, path, "", int64(rev), true)
	return DirDelta(ctx, baseRoot, targetRoot, rev, ed)
}
