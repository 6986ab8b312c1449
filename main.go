// The main package for the onboardingd executable.
package main

import (
	"github.com/JakeFAU/mailbox-onboarding/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
