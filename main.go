package main

import "github.com/Rovis91/bot-project/cmd"

func main() {
	cmd.Execute()
}
