package chain

// DifficultyFromBits converts the compact target encoding of a header into
// the conventional difficulty ratio (difficulty 1 at the maximum target).
// Display only; no proof-of-work validation happens anywhere in forkscope.
func DifficultyFromBits(bits uint32) float64 {
	mantissa := bits & 0x00ffffff
	if mantissa == 0 {
		return 0
	}
	shift := (bits >> 24) & 0xff
	diff := float64(0x0000ffff) / float64(mantissa)
	for ; shift < 29; shift++ {
		diff *= 256
	}
	for ; shift > 29; shift-- {
		diff /= 256
	}
	return diff
}
