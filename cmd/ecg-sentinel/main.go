package main

import "ecg-sentinel/internal/cli"

func main() {
	cli.Execute()
}
