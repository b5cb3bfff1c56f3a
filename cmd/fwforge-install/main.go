package main

import "github.com/oshokin/fwforge/cmd/fwforge-install/cmd"

func main() {
	cmd.Execute()
}
