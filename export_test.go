package streamcc

// Test-only backdoors. These live in an _test file so the hooks exist only
// for the package's own tests.

// shouldFailCC forces connected-components runs to abort with a
// CCFailureError in the given round, exercising the restore paths.
func (g *Graph) shouldFailCC(round int) {
	g.failRound = round
}

// snapshotBytes returns the serialized sketch state for byte comparisons.
func (g *Graph) snapshotBytes() ([]byte, error) {
	return g.encodeSupernodes()
}
