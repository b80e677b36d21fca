package main

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/pingfury108/bedu-jiaofu/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
}
