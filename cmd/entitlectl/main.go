package main

import "entitled/cmd/entitlectl/cmd"

func main() {
	cmd.Execute()
}
