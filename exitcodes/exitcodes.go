// Package exitcodes defines the standard exit codes used by testmux.
package exitcodes

// Exit codes reported by the testmux process:
//
// * Success (0): every test in every file passed
// * TestFailure (1): at least one test or file failed
// * RuntimeErr (2): operational failure (bad config, compromised protocol, panic)
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
