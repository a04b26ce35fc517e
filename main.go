// The main package for the harvester executable.
package main

import (
	"github.com/tunevault/harvester/cmd"
)

func main() {
	cmd.Execute()
}
