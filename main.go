package main

import "github.com/papapumpkin/quire/cmd"

func main() {
	cmd.Execute()
}
