// Package auth verifies Basic Proxy-Authorization credentials against a
// single configured username and password.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const basicScheme = "Basic "

var (
	ErrMissingCredential   = errors.New("missing proxy credential")
	ErrUnsupportedScheme   = errors.New("only Basic proxy authorization is supported")
	ErrMalformedCredential = errors.New("malformed proxy credential")
	ErrInvalidCredential   = errors.New("invalid username or password")
)

// Verifier holds the configured credential pair. It is immutable and safe
// for concurrent use.
type Verifier struct {
	username []byte
	password []byte
}

func NewVerifier(username, password string) *Verifier {
	return &Verifier{username: []byte(username), password: []byte(password)}
}

// Verify checks a Proxy-Authorization header value. An empty value is
// treated the same as an absent header.
func (v *Verifier) Verify(header string) error {
	if header == "" {
		return ErrMissingCredential
	}
	if !strings.HasPrefix(header, basicScheme) {
		return ErrUnsupportedScheme
	}

	decoded, err := base64.StdEncoding.DecodeString(header[len(basicScheme):])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	// Passwords may contain ':'; only the first one separates the pair.
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return fmt.Errorf("%w: no ':' separator", ErrMalformedCredential)
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), v.username)
	passOK := subtle.ConstantTimeCompare([]byte(password), v.password)
	if userOK&passOK != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// BasicHeader builds the Proxy-Authorization value for a username and
// password.
func BasicHeader(username, password string) string {
	return basicScheme + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
