package main

import "github.com/ramiqadoumi/campus-dispatch/services/dispatcher/cli"

func main() {
	cli.Execute()
}
