package main

import (
	"github.com/firmwaredroid/rehoster/cmd"
)

var version = "development"

func main() {
	cmd.Execute(version)
}
