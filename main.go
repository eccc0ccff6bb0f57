package main

import "github.com/kamusis/persona/cmd"

func main() {
	cmd.Execute()
}
