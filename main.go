package main

import "github.com/speechlab/upstream/cmd"

func main() {
	cmd.Execute()
}
