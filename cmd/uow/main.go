// Command uow validates unit of work models and runs scenarios against them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/unitofwork/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
