package main

import "github.com/banshee-data/pump.lab/internal/cli"

func main() {
	cli.Execute()
}
