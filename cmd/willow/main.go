package main

import "willow/internal/cli"

func main() {
	cli.Execute()
}
