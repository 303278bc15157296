package binaryagreement

// DeterministicCoin is the coin used when no faults are tolerated. With F = 0 a
// threshold coin would be a constant anyway.
func DeterministicCoin(epoch uint64) bool {
	return (epoch/2)%2 == 0
}
