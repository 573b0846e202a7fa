// bufferd hosts one buffer over its stdin and stdout.
//
// It is started by a process launcher configured with its path; the first
// request carries the buffer configuration. Logs go to stderr, at the level
// given by ACQBUF_LOG_LEVEL.
package main

import (
	"fmt"
	"os"

	"github.com/xtxerr/acqbuf/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Println("bufferd", Version)
		return
	}
	os.Exit(server.RunHost())
}
