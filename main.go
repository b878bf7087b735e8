package main

import "github.com/docuflow/docuflow/cli"

func main() {
	cli.Execute()
}
