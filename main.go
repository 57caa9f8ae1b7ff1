package main

import "github.com/andresmejia3/straightface/cmd"

func main() {
	cmd.Execute()
}
