package main

import "github.com/manforowicz/gday/internal/client/cmd"

func main() {
	cmd.Execute()
}
