package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// Wire layout for encrypted payloads: salt || nonce || ciphertext. The salt
// feeds PBKDF2-SHA256 key derivation; the nonce length depends on the
// algorithm.
const (
	saltLength       = 16
	gcmNonceLength   = 12
	boxNonceLength   = 24
	keyLength        = 32
	pbkdf2Iterations = 100000
)

// Algorithm names accepted in transform metadata.
const (
	AlgoAESGCM    = "aes-256-gcm"
	AlgoSecretbox = "nacl-secretbox"
)

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLength, sha256.New)
}

func decrypt(data []byte, algo, passphrase string) ([]byte, error) {
	switch algo {
	case AlgoAESGCM:
		return decryptAESGCM(data, passphrase)
	case AlgoSecretbox:
		return decryptSecretbox(data, passphrase)
	default:
		return nil, fmt.Errorf("%w: encryption %q", ErrUnsupportedAlgorithm, algo)
	}
}

func decryptAESGCM(data []byte, passphrase string) ([]byte, error) {
	if len(data) < saltLength+gcmNonceLength {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	salt := data[:saltLength]
	nonce := data[saltLength : saltLength+gcmNonceLength]
	ciphertext := data[saltLength+gcmNonceLength:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plain, nil
}

func decryptSecretbox(data []byte, passphrase string) ([]byte, error) {
	if len(data) < saltLength+boxNonceLength+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	salt := data[:saltLength]

	var nonce [boxNonceLength]byte
	copy(nonce[:], data[saltLength:saltLength+boxNonceLength])
	var key [keyLength]byte
	copy(key[:], deriveKey(passphrase, salt))

	plain, ok := secretbox.Open(nil, data[saltLength+boxNonceLength:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plain, nil
}
