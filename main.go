package main

import "github.com/tamanonymous/gitam/cmd"

func main() {
	cmd.Execute()
}
