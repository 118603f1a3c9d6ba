package main

import (
	"github.com/hogmalmsmedia/ratewatch/internal/cli"
)

func main() {
	cli.Execute()
}
