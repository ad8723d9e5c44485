package main

import "github.com/taskgrid/taskgrid/internal/cli"

func main() {
	cli.Execute()
}
