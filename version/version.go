package version

import (
	"flag"
	"fmt"
	"runtime"

	"github.com/genshen/cmds"
)

const VERSION = "0.1.0"

var versionCommand = &cmds.Command{
	Name:        "version",
	Summary:     "show version",
	Description: "print current version.",
	CustomFlags: false,
	HasOptions:  false,
}

func init() {
	versionCommand.Runner = &version{}
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	versionCommand.FlagSet = fs
	versionCommand.FlagSet.Usage = versionCommand.Usage // use default usage provided by cmds.Command.
	cmds.AllCommands = append(cmds.AllCommands, versionCommand)
}

type version struct{}

func (v *version) PreRun() error {
	return nil
}

func (v *version) Run() error {
	fmt.Printf("burrow version %s\n", VERSION)
	fmt.Printf("built with %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
