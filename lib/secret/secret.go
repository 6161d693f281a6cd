/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secret provides random identifiers, session tokens and the
// password-based authenticated encryption envelope used for archives.
//
// The envelope layout is a wire contract and must stay bit-compatible
// across implementations:
//
//	salt(32) || iv(12) || ciphertext || tag(16)
//
// with the tag being the trailing 16 bytes appended by AES-256-GCM and
// the key derived with PBKDF2-HMAC-SHA256 over 100000 iterations.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 32
	ivLength   = 12
	tagLength  = 16
	keyLength  = 32
	iterations = 100000
)

// ErrDecryptFailed is returned for any authentication or parse failure,
// so callers cannot distinguish a wrong password from a corrupt
// envelope.
var ErrDecryptFailed = errors.New("decryption failed")

// NewToken returns n bytes of cryptographically random data encoded as
// unpadded url-safe base64.
func NewToken(n int) (string, error) {
	if n <= 0 {
		return "", trace.BadParameter("token length must be positive, got %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID returns a random UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// Equal compares two strings in constant time. Used for token checks at
// the HTTP boundary.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// EncryptWithPassword seals plaintext into the envelope described in the
// package documentation.
func EncryptWithPassword(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, trace.Wrap(err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, trace.Wrap(err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]byte, 0, saltLength+ivLength+len(plaintext)+tagLength)
	out = append(out, salt...)
	out = append(out, iv...)
	// Seal appends ciphertext||tag, matching the envelope layout.
	out = aead.Seal(out, iv, plaintext, nil)
	return out, nil
}

// DecryptWithPassword opens an envelope produced by EncryptWithPassword.
// Any parse or authentication error yields ErrDecryptFailed.
func DecryptWithPassword(envelope []byte, password string) ([]byte, error) {
	if len(envelope) < saltLength+ivLength+tagLength {
		return nil, trace.Wrap(ErrDecryptFailed)
	}
	salt := envelope[:saltLength]
	iv := envelope[saltLength : saltLength+ivLength]
	ciphertext := envelope[saltLength+ivLength:]

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, trace.Wrap(ErrDecryptFailed)
	}
	return plaintext, nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}
