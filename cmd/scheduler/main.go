package main

import "github.com/ramiqadoumi/campus-dispatch/services/scheduler/cli"

func main() {
	cli.Execute()
}
