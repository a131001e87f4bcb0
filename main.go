package main

import "github.com/gitzhang10/blockrelay/cmd"

func main() {
	cmd.Execute()
}
