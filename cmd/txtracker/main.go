package main

import "github.com/vietddude/txtracker/internal/cli"

func main() {
	cli.Execute()
}
