package main

import "github.com/forgeai/forgeguard/internal/cli"

func main() {
	cli.Execute()
}
