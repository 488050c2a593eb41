// Package wkd implements the Web Key Directory mapping of an email
// local-part to the token it is published under.
package wkd

import (
	"crypto/sha1"
	"strings"

	"github.com/tv42/zbase32"
)

// EncodedLength is the fixed length of an encoded local-part: a 160-bit
// SHA-1 digest is 32 characters after Z-Base-32 encoding.
const EncodedLength = 32

// EncodeLocalPart returns the directory token for an email local-part.
//
// From [draft-koch]:
//
//	The so-mapped local-part is hashed using the SHA-1 algorithm. The
//	resulting 160-bit digest is encoded using the Z-Base-32 method as
//	described in RFC6189, section 5.1.6. The resulting string has a
//	fixed length of 32 octets.
func EncodeLocalPart(localPart string) string {
	digest := sha1.Sum([]byte(localPart))
	return zbase32.EncodeToString(digest[:])
}

// NormalizeEmail splits an address into its lowercased local-part and
// domain. ok is false when the address is not of the form local@domain.
func NormalizeEmail(email string) (localPart, domain string, ok bool) {
	local, dom, ok := strings.Cut(email, "@")
	if !ok || local == "" || dom == "" {
		return "", "", false
	}
	return strings.ToLower(local), strings.ToLower(dom), true
}
