// SPDX-License-Identifier: MPL-2.0

// Package config loads the physical configuration using Viper with CUE as the
// file format.
//
// Configuration is read from config.cue in the platform configuration
// directory (or the working directory), validated against the embedded
// config_schema.cue, and overridden by APPSCOPE_* environment variables.
// Apply seeds the physical scope's properties from the result, which every
// application scope then copies at creation.
package config
