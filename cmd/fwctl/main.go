// fwctl - operator CLI for a running txfirewall server
package main

import "github.com/mbd888/txfirewall/internal/cli"

// version is set by ldflags at build time.
var version = "dev"

func main() {
	cli.Version = version
	cli.Execute()
}
