package main

import "github.com/nextlevelbuilder/clawd/cmd"

func main() {
	cmd.Execute()
}
