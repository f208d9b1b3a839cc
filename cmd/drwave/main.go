package main

import "github.com/drwave/drwave/internal/cli"

func main() {
	cli.Execute()
}
