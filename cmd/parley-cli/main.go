package main

import "github.com/nfrund/parley/cmd/parley-cli/cmd"

func main() {
	cmd.Execute()
}
