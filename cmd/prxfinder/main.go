// Command prxfinder runs the proxy harvesting, validation, and serving
// pipeline.
package main

import "github.com/prxfinder/prxfinder/cmd"

func main() {
	cmd.Execute()
}
