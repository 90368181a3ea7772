// Package domain contains entity without logic, just meta-data
package domain

import "strings"

// MaxIdentityLen bounds an identity to the longest valid email address.
const MaxIdentityLen = 254

// Identity is the stable, caller-supplied name of an endpoint (usually an
// email). The hub trusts whatever a connection presents.
type Identity string

func (i Identity) String() string { return string(i) }

// ParseIdentity rejects empty, blank and oversized identities.
func ParseIdentity(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrInvalidIdentity
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrInvalidIdentity
	}
	return Identity(raw), nil
}
