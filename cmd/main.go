package main

import "github.com/pelusa-v/pelusa-mesh/internal/cli"

func main() {
	cli.Execute()
}
