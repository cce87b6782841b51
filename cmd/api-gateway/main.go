package main

import "github.com/ramiqadoumi/campus-dispatch/services/api-gateway/cli"

func main() {
	cli.Execute()
}
