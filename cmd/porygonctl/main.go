// Porygonctl -- CLI client for the porygond search API.
package main

import "github.com/porygon-dev/porygon/cmd/porygonctl/commands"

func main() {
	commands.Execute()
}
