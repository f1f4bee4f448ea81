package sig

import "bytes"

// GenerateMask derives a significance mask from variant samples of the same
// code shape. The first variant is the reference: positions where any other
// variant differs are masked out. A variant with a different length makes
// mask generation impossible and yields an all-zeros mask.
func GenerateMask(variants [][]byte) []byte {
	if len(variants) == 0 {
		return nil
	}

	reference := variants[0]
	mask := make([]byte, len(reference))
	for i := range mask {
		mask[i] = 1
	}

	for _, variant := range variants[1:] {
		if len(variant) != len(reference) {
			return make([]byte, len(reference))
		}
		for i := range reference {
			if reference[i] != variant[i] {
				mask[i] = 0
			}
		}
	}

	return mask
}

// minPatternLen is the shortest byte sequence IdentifyPatterns considers.
const minPatternLen = 16

// patternClusterSize is how many distinct blocks must share a sequence
// before it becomes a signature.
const patternClusterSize = 3

// IdentifyPatterns finds byte sequences of length >= 16 that occur in at
// least three distinct blocks and emits one signature per cluster, with an
// auto-generated mask and a 0.9 similarity threshold.
//
// The search is quadratic in block length and is meant for cold-path,
// offline analysis of a loaded binary, not the translation fast path.
func IdentifyPatterns(blocks [][]byte, baseAddrs []uint64) []Signature {
	var patterns []Signature
	seen := make(map[uint64]bool)

	for i, block := range blocks {
		maxLen := len(block) / 2
		for patternLen := minPatternLen; patternLen <= maxLen; patternLen++ {
			for start := 0; start+patternLen <= len(block); start++ {
				pattern := block[start : start+patternLen]

				occurrences := [][]byte{pattern}
				distinct := 1
				for j, other := range blocks {
					if j == i {
						continue
					}
					found := false
					for off := 0; off+patternLen <= len(other); off++ {
						if bytes.Equal(pattern, other[off:off+patternLen]) {
							occurrences = append(occurrences, other[off:off+patternLen])
							found = true
						}
					}
					if found {
						distinct++
					}
				}

				if distinct < patternClusterSize {
					continue
				}

				mask := GenerateMask(occurrences)
				var addr uint64
				if i < len(baseAddrs) {
					addr = baseAddrs[i] + uint64(start)
				}
				candidate := Create(pattern, Generic, addr, mask, 0.9)
				if seen[candidate.Hash] {
					continue
				}
				seen[candidate.Hash] = true
				patterns = append(patterns, candidate)
			}
		}
	}

	return patterns
}
