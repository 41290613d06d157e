// Package dispatch turns the first command read from a client connection
// into daemon work.
//
// Control commands (status, stop, stop_when_idle) are answered directly.
// A build command runs through an ordered chain of actions; each action does
// its part and calls Proceed to run the rest of the chain, so cleanup such as
// closing the session or ending the build runs as the chain unwinds.
package dispatch
