package main

import "github.com/tanq16/tafim/cmd"

func main() {
	cmd.Execute()
}
