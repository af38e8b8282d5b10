// Command reconstruct is the operator-facing entry point for the
// market-data reconstruction engine (spec §6 "CLI surface"): analyze
// input reliability, replay a symbol end-to-end, or force recovery
// against existing on-disk state.
package main

import "os"

func main() {
	os.Exit(Execute())
}
