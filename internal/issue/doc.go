// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalogue of Markdown
// remediation guides rendered with glamour for the CLI.
package issue
