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
	"fmt"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tessera-vcs/go/pkg/wc"
)

func statusCmd() *cobra.Command {
	var noRecurse bool

	cmd := &cobra.Command{
		Use:   "status [PATH]",
		Short: "Report the local state of a working copy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}

			fs := afero.NewOsFs()
			statuses := map[string]*wc.Status{}
			if err := wc.Statuses(fs, target, !noRecurse, statuses); err != nil {
				return err
			}

			paths := make([]string, 0, len(statuses))
			for p := range statuses {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			for _, p := range paths {
				st := statuses[p]
				text, prop := st.TextStatus.Code(), st.PropStatus.Code()
				if text == ' ' && prop == ' ' {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%c%c   %s\n", text, prop, p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&noRecurse, "non-recursive", "N", false, "do not descend into subdirectories")
	return cmd
}
