package main

import "hive/cmd"

func main() {
	cmd.Execute()
}
