package main

import "github.com/corvino/fieldchat/internal/cli"

func main() {
	cli.Execute()
}
