package filestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the PBKDF2 iteration count used when deriving
// the file key from the password.
const pbkdf2Iterations = 10000

// blockCipher encrypts/decrypts file content one BlockSize-aligned
// block at a time, deriving a fresh counter from the block index so
// that identical plaintext blocks never produce identical ciphertext.
// This stands in for the source system's XTS-style per-block cipher;
// no XTS implementation is available in the example corpus, so AES-CTR
// keyed and tweaked per block is used instead, via the standard
// library (spec treats encryption primitives as an abstract external
// collaborator).
type blockCipher struct {
	block cipher.Block
}

// deriveKey turns a password into an AES-256 key via PBKDF2, zeroing
// the password buffer once the key is derived.
func deriveKey(password []byte, salt []byte) (*blockCipher, error) {
	key := pbkdf2.Key(password, salt, pbkdf2Iterations, 32, sha256.New)
	for i := range password {
		password[i] = 0
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("filestore: creating cipher: %w", err)
	}
	for i := range key {
		key[i] = 0
	}
	return &blockCipher{block: block}, nil
}

func (bc *blockCipher) iv(blockIndex int64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(blockIndex >> (8 * i))
	}
	return iv
}

// transform encrypts or decrypts buf in place; AES-CTR is its own
// inverse given the same keystream.
func (bc *blockCipher) transform(blockIndex int64, buf []byte) {
	stream := cipher.NewCTR(bc.block, bc.iv(blockIndex))
	stream.XORKeyStream(buf, buf)
}
