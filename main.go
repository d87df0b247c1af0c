package main

import "github.com/pongchat/server/cmd"

func main() {
	cmd.Execute()
}
