package main

import (
	"github.com/billm/baaaht/forknode/cmd"
)

func main() {
	cmd.Execute()
}
