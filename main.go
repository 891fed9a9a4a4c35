package main

import "github.com/nextlevelbuilder/voxflow/cmd"

func main() {
	cmd.Execute()
}
