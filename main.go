package main

import "github.com/nextlevelbuilder/galileo/cmd"

func main() {
	cmd.Execute()
}
