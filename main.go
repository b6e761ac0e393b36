// The main package for the mangadl worker executable.
package main

import (
	"github.com/astas888/mangadl/cmd"
)

func main() {
	cmd.Execute()
}
