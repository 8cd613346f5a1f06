package main

import "github.com/relabs-tech/devicemon/cmd/devicemon/cmd"

func main() {
	cmd.Execute()
}
