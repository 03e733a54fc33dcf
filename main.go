package main

import "github.com/andresmejia3/realitycheck/cmd"

func main() {
	cmd.Execute()
}
