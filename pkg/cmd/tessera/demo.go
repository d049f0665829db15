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

package tessera

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tessera-vcs/go/pkg/dag"
	"github.com/tessera-vcs/go/pkg/repos"
)

// demoCmd builds a throwaway in-memory repository with two revisions,
// checks out the first into DIR and updates to the second. It exists
// to exercise the full checkout/update stack end to end; it is not a
// way to talk to a real repository.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo DIR",
		Short: "Check out and update a sample repository (for exploration only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dfs := dag.NewFS(dag.InMemory())
			if err := seedHistory(ctx, dfs); err != nil {
				return err
			}

			wcFs := afero.NewOsFs()
			dest := args[0]

			if err := repos.Checkout(ctx, dfs, 1, wcFs, dest, "demo:///trunk"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked out revision 1 into %s\n", dest)

			if err := repos.Update(ctx, dfs, 2, wcFs, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated to revision 2\n")
			return nil
		},
	}
}

// seedHistory commits two small revisions: a tree with two files, then
// an edit of one, a delete of the other, and a new subdirectory.
func seedHistory(ctx context.Context, dfs *dag.FS) error {
	txn, err := dfs.Store().BeginTxn(ctx, 0)
	if err != nil {
		return err
	}
	root, err := dfs.CloneRoot(ctx, txn)
	if err != nil {
		return err
	}

	if err := writeNewFile(ctx, root, "", "README", "Sample tree.\n", txn); err != nil {
		return err
	}
	if err := writeNewFile(ctx, root, "", "notes", "first\nsecond\n", txn); err != nil {
		return err
	}
	if _, err := dfs.CommitTxn(ctx, txn); err != nil {
		return err
	}

	txn, err = dfs.Store().BeginTxn(ctx, 1)
	if err != nil {
		return err
	}
	root, err = dfs.CloneRoot(ctx, txn)
	if err != nil {
		return err
	}

	readme, err := root.CloneChild(ctx, "", "README", root.ID().Copy, txn)
	if err != nil {
		return err
	}
	if err := writeContents(ctx, readme, "Sample tree, revised.\n", txn); err != nil {
		return err
	}
	if err := root.Delete(ctx, "notes", txn, false); err != nil {
		return err
	}
	sub, err := root.MakeDir(ctx, "", "docs", txn)
	if err != nil {
		return err
	}
	if err := writeNewFile(ctx, sub, "/docs", "intro", "hello\n", txn); err != nil {
		return err
	}

	_, err = dfs.CommitTxn(ctx, txn)
	return err
}

func writeNewFile(ctx context.Context, parent *dag.DagNode, parentPath, name, contents, txn string) error {
	file, err := parent.MakeFile(ctx, parentPath, name, txn)
	if err != nil {
		return err
	}
	return writeContents(ctx, file, contents, txn)
}

func writeContents(ctx context.Context, file *dag.DagNode, contents, txn string) error {
	stream, err := file.GetEditStream(ctx, txn)
	if err != nil {
		return err
	}
	if _, err := stream.Write([]byte(contents)); err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	return file.FinalizeEdits(ctx, "", txn)
}
