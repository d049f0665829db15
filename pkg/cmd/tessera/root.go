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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tessera",
		Short: "Working copy tooling for tessera repositories",
		Long: `tessera manages working copies of versioned trees: it reports their
local state, recovers directories whose journaled operations were
interrupted, and can materialize and update a working copy from a
repository.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.LogLevel != "" {
				level, err := log.ParseLevel(cfg.LogLevel)
				if err != nil {
					return fmt.Errorf("bad log-level in config: %w", err)
				}
				log.SetLevel(level)
			}
			currentConfig = cfg
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HOME/.tessera.yml)")

	cmd.AddCommand(statusCmd())
	cmd.AddCommand(cleanupCmd())
	cmd.AddCommand(demoCmd())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
