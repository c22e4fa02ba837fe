package main

import "meterwatch/internal/cli"

func main() {
	cli.Execute()
}
