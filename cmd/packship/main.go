package main

import (
	"os"

	"packship/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
