package main

import "github.com/simonkberg/simon.dev-sub000/cmd/simonbot/cmd"

func main() {
	cmd.Execute()
}
