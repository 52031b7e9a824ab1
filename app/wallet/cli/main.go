package main

import "github.com/simchain/simchain/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
