package merkle

import "math/big"

// Poseidon parameters, per spec.md §4.I: rate 2, capacity 1 (so width
// 3), 8 full rounds, 57 partial rounds, over the BN254 scalar field.
//
// The round constants and MDS matrix below are deterministic functions
// of their position, as spec.md requires for testability — they are
// NOT the audited constants a real deployment needs. See DESIGN.md for
// why this module uses math/big instead of a real field-arithmetic
// library: nothing in the example corpus links one, and the spec
// itself flags these parameters as test-only.
const (
	poseidonRate          = 2
	poseidonCapacity      = 1
	poseidonWidth         = poseidonRate + poseidonCapacity
	poseidonFullRounds    = 8
	poseidonPartialRounds = 57
	poseidonTotalRounds   = poseidonFullRounds + poseidonPartialRounds
	poseidonHalfFull      = poseidonFullRounds / 2

	// bn254ScalarField is the BN254 curve's scalar field modulus.
	bn254ScalarField = "21888242871839275222246405745257275088548364400416034343698204186575808495617"
)

var modulus = mustBigInt(bn254ScalarField)

func mustBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("merkle: invalid field modulus literal")
	}
	return n
}

// poseidonHasher holds the deterministic round constants and MDS
// matrix for one permutation instance. It carries no secret state, so
// a single instance is reused for every hash.
type poseidonHasher struct {
	roundConstants [poseidonTotalRounds][poseidonWidth]*big.Int
	mds            [poseidonWidth][poseidonWidth]*big.Int
}

func newPoseidonHasher() *poseidonHasher {
	h := &poseidonHasher{}
	for i := 0; i < poseidonTotalRounds; i++ {
		for j := 0; j < poseidonWidth; j++ {
			seed := int64(i*poseidonWidth + j)
			h.roundConstants[i][j] = new(big.Int).Mod(big.NewInt(seed), modulus)
		}
	}
	for i := 0; i < poseidonWidth; i++ {
		for j := 0; j < poseidonWidth; j++ {
			seed := int64(i*poseidonWidth + j + 1)
			h.mds[i][j] = new(big.Int).Mod(big.NewInt(seed), modulus)
		}
	}
	return h
}

func bytesToField(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	return n.Mod(n, modulus)
}

// fieldToBytes renders a field element as a fixed-width 32-byte
// big-endian hash, matching BN254's 254-bit scalar size rounded up.
func fieldToBytes(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

func (h *poseidonHasher) permute(state [poseidonWidth]*big.Int) [poseidonWidth]*big.Int {
	for r := 0; r < poseidonTotalRounds; r++ {
		for i := 0; i < poseidonWidth; i++ {
			state[i] = new(big.Int).Add(state[i], h.roundConstants[r][i])
			state[i].Mod(state[i], modulus)
		}

		full := r < poseidonHalfFull || r >= poseidonTotalRounds-poseidonHalfFull
		if full {
			for i := 0; i < poseidonWidth; i++ {
				state[i] = sBox(state[i])
			}
		} else {
			state[0] = sBox(state[0])
		}

		var next [poseidonWidth]*big.Int
		for i := 0; i < poseidonWidth; i++ {
			acc := new(big.Int)
			for j := 0; j < poseidonWidth; j++ {
				term := new(big.Int).Mul(h.mds[i][j], state[j])
				acc.Add(acc, term)
			}
			next[i] = acc.Mod(acc, modulus)
		}
		state = next
	}
	return state
}

// sBox computes x^5 mod p, Poseidon's standard S-box for this field.
func sBox(x *big.Int) *big.Int {
	x2 := new(big.Int).Mul(x, x)
	x2.Mod(x2, modulus)
	x4 := new(big.Int).Mul(x2, x2)
	x4.Mod(x4, modulus)
	x5 := new(big.Int).Mul(x4, x)
	return x5.Mod(x5, modulus)
}

// hashLeaf hashes a leaf's raw event bytes into a 32-byte digest.
func (h *poseidonHasher) hashLeaf(data []byte) []byte {
	var state [poseidonWidth]*big.Int
	state[0] = bytesToField(data)
	for i := 1; i < poseidonWidth; i++ {
		state[i] = big.NewInt(0)
	}
	out := h.permute(state)
	return fieldToBytes(out[0])
}

// hashNodes combines two child hashes into their parent's hash.
func (h *poseidonHasher) hashNodes(left, right []byte) []byte {
	var state [poseidonWidth]*big.Int
	state[0] = bytesToField(left)
	state[1] = bytesToField(right)
	for i := 2; i < poseidonWidth; i++ {
		state[i] = big.NewInt(0)
	}
	out := h.permute(state)
	return fieldToBytes(out[0])
}
