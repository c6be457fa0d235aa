package main

import (
	"github.com/bihealth/hpc-access-cli/cmd"
)

func main() {
	cmd.Execute()
}
