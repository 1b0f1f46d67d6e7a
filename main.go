package main

import (
	"github.com/genshen/cmds"

	_ "github.com/burrowlab/burrow/cmd/client"
	_ "github.com/burrowlab/burrow/version"
)

func main() {
	cmds.SetProgramName("burrow")
	cmds.Parse()
}
