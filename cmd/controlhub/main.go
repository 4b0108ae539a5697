package main

import "controlhub/cmd/cli"

func main() {
	cli.Execute()
}
