package main

import (
	"positionwatch/internal/cli"
)

func main() {
	cli.Execute()
}
