package main

import "github.com/jmcleod/caledger/cmd/caledger/cmd"

func main() {
	cmd.Execute()
}
