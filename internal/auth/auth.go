// Package auth implements the daemon's optional challenge/response
// authentication: the server sends a challenge, the client answers with
// a digest of its module secret and the challenge, and the server
// compares against its own computation. The secret never crosses the
// wire.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/md4"
)

// NewChallenge returns a fresh, printable challenge string suitable for
// "@RSYNCD: AUTH REQD <challenge>\n".
func NewChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating auth challenge: %v", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// Response computes the digest a client must return for the given
// secret and challenge: MD4(secret || challenge), base64-encoded the
// same way upstream rsync formats its auth responses.
func Response(secret, challenge string) string {
	h := md4.New()
	h.Write([]byte(secret))
	h.Write([]byte(challenge))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// Verify reports whether a client's claimed response matches the
// expected digest for secret and challenge. The username from the
// "user response\n" wire syntax plays no part in the digest (this
// module implements a single shared secret per module, not per-user
// accounts), so Verify does not take it.
func Verify(secret, challenge, response string) bool {
	return Response(secret, challenge) == response
}
