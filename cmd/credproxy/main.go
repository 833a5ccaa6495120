package main

import "credproxy/cmd/credproxy/cmds"

// version can be set during build with -ldflags
var version = "dev"

func main() {
	cmds.SetVersion(version)
	cmds.Execute()
}
