// gofidoctl -- console harness for the gofido U2F host library.
package main

import "github.com/dantte-lp/gofido/cmd/gofidoctl/commands"

func main() {
	commands.Execute()
}
