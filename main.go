package main

import "github.com/blip/broker/cmd"

func main() {
	cmd.Execute()
}
