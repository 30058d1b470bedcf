package devbackend

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const opaqueByteLength = 32

var opaqueRandomSource io.Reader = rand.Reader

// generateOpaque returns a random URL-safe value and its storage hash.
func generateOpaque() (string, error) {
	randomBytes := make([]byte, opaqueByteLength)
	if _, err := io.ReadFull(opaqueRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("devbackend.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
