// Package main is the entry point for the susetl application
package main

import (
	"github.com/saudelab/susetl/cmd"
)

func main() {
	cmd.Execute()
}
