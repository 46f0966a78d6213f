package main

import (
	"github.com/kent0ikegami/crawler-with-snapshot/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
