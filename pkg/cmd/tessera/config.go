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
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"

	"github.com/tessera-vcs/go/pkg/wc/adm"
)

// config is the CLI configuration, read from a small YAML file.
type config struct {
	// LogLevel sets the logrus level (debug, info, warn, error).
	LogLevel string `yaml:"log-level"`

	// PatchCmd optionally names an external patch binary to run for
	// journaled patch operations instead of the in-process engine.
	// Arguments from the journal are appended verbatim.
	PatchCmd string `yaml:"patch-cmd"`
}

var currentConfig config

func loadConfig(path string) (config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config{}, nil
		}
		path = filepath.Join(home, ".tessera.yml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config{}, nil
		}
		return config{}, err
	}

	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// runner builds the journal runner for DIR, honoring an external
// patch-cmd override when one is configured.
func (c config) runner(fs afero.Fs, dir string) *adm.Runner {
	r := &adm.Runner{Fs: fs, Dir: dir}
	if c.PatchCmd == "" {
		return r
	}

	r.RunCmd = func(_ afero.Fs, cmdDir, name string, args []string, infile string) error {
		if name != "patch" {
			return nil
		}
		cmd := exec.Command(c.PatchCmd, args...)
		cmd.Dir = cmdDir
		if infile != "" {
			f, err := os.Open(filepath.Join(cmdDir, filepath.FromSlash(infile)))
			if err != nil {
				return err
			}
			defer f.Close()
			cmd.Stdin = f
		}
		out, err := cmd.CombinedOutput()
		if err != nil && len(out) > 0 {
			return &patchError{cmd: c.PatchCmd, output: strings.TrimSpace(string(out)), err: err}
		}
		return err
	}
	return r
}

type patchError struct {
	cmd    string
	output string
	err    error
}

func (e *patchError) Error() string {
	return e.cmd + ": " + e.err.Error() + ": " + e.output
}

func (e *patchError) Unwrap() error { return e.err }
