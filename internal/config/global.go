// SPDX-License-Identifier: MPL-2.0

package config

import "sync/atomic"

// configDirOverride replaces the platform configuration directory. Tests set
// it because os.UserHomeDir does not honor HOME everywhere.
var configDirOverride atomic.Pointer[string]

// SetConfigDirOverride makes ConfigDir return dir.
func SetConfigDirOverride(dir string) {
	configDirOverride.Store(&dir)
}

// Reset clears the override set by SetConfigDirOverride.
func Reset() {
	configDirOverride.Store(nil)
}
