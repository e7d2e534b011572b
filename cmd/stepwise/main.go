package main

import "github.com/stepwise-graph/stepwise/cmd/stepwise/commands"

func main() {
	commands.Execute()
}
