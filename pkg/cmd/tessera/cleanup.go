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
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [PATH]",
		Short: "Recover interrupted operations and release stale locks",
		Long: `cleanup walks the working copy, replays any journal a crashed or
interrupted operation left behind, and removes stale directory locks.
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			return cleanupTree(afero.NewOsFs(), target)
		},
	}
}

func cleanupTree(fs afero.Fs, dir string) error {
	isWC, err := adm.IsWorkingCopy(fs, dir)
	if err != nil {
		return err
	}
	if !isWC {
		return fmt.Errorf("%w: %s", adm.ErrNotWorkingCopy, dir)
	}

	pending, err := adm.HasPendingLog(fs, dir)
	if err != nil {
		return err
	}
	if pending {
		log.WithField("dir", dir).Info("replaying unfinished log")
		if err := currentConfig.runner(fs, dir).RunLog(); err != nil {
			return err
		}
	}
	if err := adm.Unlock(fs, dir); err != nil {
		return err
	}

	entries, err := adm.ReadEntries(fs, dir)
	if err != nil {
		return err
	}
	for _, name := range entries.Names() {
		entry := entries.Get(name)
		if name == "" || entry.Kind != adm.KindDir {
			continue
		}
		subdir := path.Join(dir, name)
		if ok, err := adm.IsWorkingCopy(fs, subdir); err != nil {
			return err
		} else if ok {
			if err := cleanupTree(fs, subdir); err != nil {
				return err
			}
		}
	}
	return nil
}
