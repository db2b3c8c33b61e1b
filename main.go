package main

import (
	"github.com/canvaslink/relay/cmd"
)

func main() {
	cmd.Execute()
}
