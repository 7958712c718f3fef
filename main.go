package main

import "github.com/jnsquire/dapper/cmd"

func main() {
	cmd.Execute()
}
