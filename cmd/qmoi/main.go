package main

import "github.com/qmoi/qmoi-ops/cmd/qmoi/commands"

func main() {
	commands.Execute()
}
