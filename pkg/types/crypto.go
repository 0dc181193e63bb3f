package types

// SealedPayload is the package produced by the layered cipher gateway
// before its final base64 encoding.
type SealedPayload struct {
	IV   string `json:"iv"`   // base64 outer IV
	Data string `json:"data"` // base64 outer ciphertext
	Hash string `json:"hash"` // hex digest of the outer ciphertext
}

// EscrowBundle contains an age-encrypted copy of the secret store.
type EscrowBundle struct {
	Version    int    `json:"v"` // Bundle format version
	Recipient  string `json:"r"` // age public key hint
	Ciphertext string `json:"c"` // base64 age ciphertext
}
