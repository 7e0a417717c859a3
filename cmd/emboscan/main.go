package main

import "emboscan/internal/cli"

func main() {
	cli.Execute()
}
