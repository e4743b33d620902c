package main

import "github.com/aweris/syncfs/cmd/syncfs/cmd"

func main() {
	cmd.Execute()
}
