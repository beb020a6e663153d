package main

import "p2p-rate-watch/internal/cli"

func main() {
	cli.Execute()
}
