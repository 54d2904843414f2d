package pgmfec

import "errors"

var (
	errNotSquare   = errors.New("pgmfec: matrix not square")
	errSingular    = errors.New("pgmfec: singular matrix")
	errBadK        = errors.New("pgmfec: k must be a power of two in [2,128]")
	errBadN        = errors.New("pgmfec: n must be in (k,255]")
	errDensity     = errors.New("pgmfec: parity density too low: need k<=223 or h*223>=k")
	errShardLen    = errors.New("pgmfec: shards must all be the same non-zero length")
	errNotEnough   = errors.New("pgmfec: fewer than k shards present")
	errWrongCounts = errors.New("pgmfec: wrong shard/flag slice length")
)

// MaxN is the largest legal transmission-group size (n <= 255).
const MaxN = 255

// ValidGroupSize reports whether k is one of the powers of two PGM allows
// for a transmission group's original count.
func ValidGroupSize(k int) bool {
	switch k {
	case 2, 4, 8, 16, 32, 64, 128:
		return true
	default:
		return false
	}
}

// CheckParams validates (n, k): k a power of two, h = n-k, n <= 255, and
// the density constraint k<=223 || h*223>=k.
func CheckParams(n, k int) error {
	if !ValidGroupSize(k) {
		return errBadK
	}
	if n <= k || n > MaxN {
		return errBadN
	}
	h := n - k
	if !(k <= 223 || h*223 >= k) {
		return errDensity
	}
	return nil
}

// Encoder generates parity shards for a transmission group of k originals.
type Encoder struct {
	k, n int
	gen  *matrix // the (n-k) x k sub-matrix of the Vandermonde encoding matrix
}

// NewEncoder builds an encoder for RS(n,k).
func NewEncoder(n, k int) (*Encoder, error) {
	if err := CheckParams(n, k); err != nil {
		return nil, err
	}
	full := vandermonde(k, n)
	parityRows := make([]int, n-k)
	for i := range parityRows {
		parityRows[i] = k + i
	}
	return &Encoder{k: k, n: n, gen: full.subMatrix(parityRows)}, nil
}

// Encode computes h = n-k parity shards from k original shards, all of the
// same length (callers implementing OPT_VAR_PKTLEN must zero-pad originals
// to a common length first and encode the two-byte length trailer as part
// of the shard payload).
func (e *Encoder) Encode(originals [][]byte) ([][]byte, error) {
	if len(originals) != e.k {
		return nil, errWrongCounts
	}
	if err := checkShardLen(originals); err != nil {
		return nil, err
	}
	shardLen := len(originals[0])
	h := e.n - e.k
	parity := make([][]byte, h)
	for i := range parity {
		parity[i] = make([]byte, shardLen)
	}
	e.gen.mulBytes(originals, parity)
	return parity, nil
}

// EncodeProactive is a convenience wrapper that encodes only h' <= h
// parity shards (proactive parity), using the same generator rows index
// 0..h'-1.
func (e *Encoder) EncodeProactive(originals [][]byte, hPrime int) ([][]byte, error) {
	if hPrime <= 0 || hPrime > e.n-e.k {
		return nil, errWrongCounts
	}
	full, err := e.Encode(originals)
	if err != nil {
		return nil, err
	}
	return full[:hPrime], nil
}

func checkShardLen(shards [][]byte) error {
	if len(shards) == 0 {
		return errShardLen
	}
	l := len(shards[0])
	if l == 0 {
		return errShardLen
	}
	for _, s := range shards {
		if len(s) != l {
			return errShardLen
		}
	}
	return nil
}

// Decode reconstructs missing original shards in place. shards has length n
// (k originals followed by h parity, index order = transmission-group
// member index); present[i] reports whether shards[i] currently holds
// valid data. Decode requires at least k of the n entries present. On
// success every shards[i] for i < k is filled in (the receive window calls
// Decode exactly once per transmission group, as soon as the k-present
// threshold is reached).
func Decode(shards [][]byte, present []bool, k, n int) error {
	if len(shards) != n || len(present) != n {
		return errWrongCounts
	}
	haveCount := 0
	for _, p := range present {
		if p {
			haveCount++
		}
	}
	if haveCount < k {
		return errNotEnough
	}

	shardLen := -1
	for i, p := range present {
		if p {
			if shardLen == -1 {
				shardLen = len(shards[i])
			} else if len(shards[i]) != shardLen {
				return errShardLen
			}
		}
	}
	if shardLen <= 0 {
		return errShardLen
	}

	full := vandermonde(k, n)

	// Select k present rows as the known system, invert, and solve for
	// the k original rows (the identity's worth of unknowns).
	knownIdx := make([]int, 0, k)
	for i := 0; i < n && len(knownIdx) < k; i++ {
		if present[i] {
			knownIdx = append(knownIdx, i)
		}
	}
	sub := full.subMatrix(knownIdx)
	inv, err := sub.invert()
	if err != nil {
		return err
	}

	knownShards := make([][]byte, k)
	for i, idx := range knownIdx {
		if len(shards[idx]) != shardLen {
			shards[idx] = append([]byte(nil), shards[idx]...)
		}
		knownShards[i] = shards[idx]
	}

	recovered := make([][]byte, k)
	for i := range recovered {
		recovered[i] = make([]byte, shardLen)
	}
	inv.mulBytes(knownShards, recovered)

	for i := 0; i < k; i++ {
		if !present[i] {
			shards[i] = recovered[i]
			present[i] = true
		}
	}

	// Any still-missing parity shards beyond k can be regenerated from
	// the now-complete originals, though callers typically only need
	// the originals (an APDU is reassembled from shards[0:k]).
	if n > k {
		parityRows := make([]int, n-k)
		for i := range parityRows {
			parityRows[i] = k + i
		}
		gen := full.subMatrix(parityRows)
		regenerated := make([][]byte, n-k)
		for i := range regenerated {
			regenerated[i] = make([]byte, shardLen)
		}
		gen.mulBytes(recovered, regenerated)
		for i, idx := range parityRows {
			if !present[idx] {
				shards[idx] = regenerated[i]
				present[idx] = true
			}
		}
	}

	return nil
}
