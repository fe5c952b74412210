package main

import "github.com/nextlevelbuilder/convlink/cmd"

func main() {
	cmd.Execute()
}
