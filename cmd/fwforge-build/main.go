package main

import "github.com/oshokin/fwforge/cmd/fwforge-build/cmd"

func main() {
	cmd.Execute()
}
