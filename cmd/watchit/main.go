// Command watchit reports the files a program and its descendants open.
//
// It needs libwatchit.so, built from the C sources in libwatchit/, next to
// the executable or named with --preload.
package main

import (
	"os"

	"github.com/majorcontext/watchit/cmd/watchit/cli"
)

//go:generate make -C ../../libwatchit

func main() {
	os.Exit(cli.Execute())
}
