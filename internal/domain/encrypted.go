package domain

// EncryptedInput is a ciphertext plus the input proof binding it to the
// submitting contract and account. Inputs are created fresh for every
// submission and never reused: the contract rejects replayed proofs, and the
// client must not attempt reuse.
type EncryptedInput struct {
	Handle     Handle
	Ciphertext []byte
	Proof      []byte
}
