// Command vizq is the producer and executor CLI for the viewer command
// queue.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/vizq/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
