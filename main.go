package main

import "github.com/nextlevelbuilder/warden/cmd"

func main() {
	cmd.Execute()
}
