// SPDX-License-Identifier: MPL-2.0

// Command appscope launches scripts as isolated applications and serves the
// SSH launch agent.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}
