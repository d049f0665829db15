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

package adm

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

var ErrLocked = errors.New("working copy directory is locked")

// Lock takes the advisory per-directory lock by creating the lock
// sentinel exclusively. The lock serializes all working-copy mutation
// of one directory; the journal belongs to whoever holds it.
func Lock(fs afero.Fs, dir string) error {
	isWC, err := IsWorkingCopy(fs, dir)
	if err != nil {
		return err
	}
	if !isWC {
		return fmt.Errorf("%w: %s", ErrNotWorkingCopy, dir)
	}

	f, err := fs.OpenFile(LockPath(dir), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return err
	}
	return f.Close()
}

// Unlock releases the lock. A missing sentinel is not an error, so
// cleanup paths may unlock unconditionally.
func Unlock(fs afero.Fs, dir string) error {
	err := fs.Remove(LockPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Locked reports whether the directory lock is currently held.
func Locked(fs afero.Fs, dir string) (bool, error) {
	return afero.Exists(fs, LockPath(dir))
}
