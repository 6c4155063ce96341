package main

import "github.com/deploymenttheory/go-vdisk/cmd"

func main() {
	cmd.Execute()
}
