package main

import "github.com/vireohq/chatcore/cmd"

func main() {
	cmd.Execute()
}
