package main

import "github.com/framecast/framecast/cmd/framecast/commands"

func main() {
	commands.Execute()
}
