package main

import "github.com/scmsync/scmsync/cmd"

func main() {
	cmd.Execute()
}
