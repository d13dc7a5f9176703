package main

import "voxprov/cmd/voxprov/cmd"

func main() {
	cmd.Execute()
}
