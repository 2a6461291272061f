package main

import "github.com/DragonSecurity/relay/cmd"

func main() {
	cmd.Execute()
}
