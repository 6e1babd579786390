package main

import "github.com/JakeFAU/feedback-pipeline/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
