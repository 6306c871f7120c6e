package main

import "github.com/user/meshdrop/cmd"

func main() {
	cmd.Execute()
}
