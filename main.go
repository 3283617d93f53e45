// The main package for the strider executable.
package main

import (
	"github.com/pmorenz/strider/cmd"
)

func main() {
	cmd.Execute()
}
