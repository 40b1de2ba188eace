package main

import "github.com/audiolibrelab/lambro/cmd"

func main() {
	cmd.Execute()
}
