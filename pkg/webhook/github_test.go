package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsCorrectSignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	assert.True(t, Verify("s3cret", signature("s3cret", body), body))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	assert.False(t, Verify("s3cret", signature("other", body), body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := signature("s3cret", body)
	assert.False(t, Verify("s3cret", sig, []byte(`{"ref":"refs/heads/evil"}`)))
}

func TestVerifyRejectsZeroSignature(t *testing.T) {
	body := []byte("anything")
	zeros := "sha256=" + hex.EncodeToString(make([]byte, 32))
	assert.False(t, Verify("s3cret", zeros, body))
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	body := []byte("anything")
	assert.False(t, Verify("s3cret", "sha1=abc", body))
	assert.False(t, Verify("s3cret", "sha256=not-hex", body))
	assert.False(t, Verify("s3cret", "", body))
}
