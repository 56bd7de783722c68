// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package partner

import (
	"crypto/aes"
	"encoding/base64"

	"github.com/juju/errors"
)

// bodyCipherKey is the fixed AES-128 key some partner endpoints encrypt
// response bodies with. This is obfuscation against casual inspection,
// not security: it is shared by every device and is unrelated to the
// per-device signing secrets.
const bodyCipherKey = "885ee6378f2b29c8"

// decryptBody reverses the partner's body encryption: base64 decode,
// then AES/ECB with PKCS#5 padding under the fixed key.
func decryptBody(body []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, errors.Annotate(err, "base64 decode")
	}
	block, err := aes.NewCipher([]byte(bodyCipherKey))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return nil, errors.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}
	plain := make([]byte, len(raw))
	for i := 0; i < len(raw); i += block.BlockSize() {
		block.Decrypt(plain[i:i+block.BlockSize()], raw[i:i+block.BlockSize()])
	}
	return stripPadding(plain, block.BlockSize())
}

// encryptBody is the inverse of decryptBody. The partner does the
// encrypting in production; this exists for tests and tooling.
func encryptBody(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher([]byte(bodyCipherKey))
	if err != nil {
		return nil, errors.Trace(err)
	}
	padded := addPadding(plain, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
	base64.StdEncoding.Encode(encoded, out)
	return encoded, nil
}

func addPadding(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func stripPadding(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
