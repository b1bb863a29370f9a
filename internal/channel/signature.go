package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func hmacSHA256(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// validHexSignature compares a hex HMAC-SHA256 of body against header,
// which may carry a prefix such as "sha256=".
func validHexSignature(body []byte, header, prefix, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	if prefix != "" {
		if !strings.HasPrefix(header, prefix) {
			return false
		}
		header = strings.TrimPrefix(header, prefix)
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, hmacSHA256([]byte(secret), body))
}

// validBase64Signature compares a base64 HMAC-SHA256 computed with a base64-encoded key.
func validBase64Signature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, hmacSHA256(key, body))
}

func equalToken(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// SignHex returns "prefix" + hex HMAC-SHA256 of body. Used by tests and by
// internal senders posting to the web and custom channels.
func SignHex(body []byte, prefix, secret string) string {
	return prefix + hex.EncodeToString(hmacSHA256([]byte(secret), body))
}
