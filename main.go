// The main package for the harvester executable.
package main

import (
	"github.com/contentharvest/harvester/cmd"
)

func main() {
	cmd.Execute()
}
