package main

import "github.com/mchmarny/fedtools/pkg/cli"

func main() {
	cli.Execute()
}
