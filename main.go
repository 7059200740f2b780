// The main package for the leadflow executable.
package main

import (
	"github.com/JakeFAU/leadflow/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
