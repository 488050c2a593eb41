package pgpcert

import (
	"github.com/ProtonMail/go-crypto/openpgp"
)

// Sanitize reduces a certificate to the minimal disclosure for one target
// address:
//
//  1. only the user ID whose declared email equals targetEmail is retained
//     (the declared address, not a re-normalized one),
//  2. user attribute packets (photos etc.) are dropped,
//  3. only subkeys whose self-signature asserts transport encryption or
//     signing survive.
//
// The input is not modified; the result shares key and signature packets
// with it.
func Sanitize(cert *openpgp.Entity, targetEmail string) *openpgp.Entity {
	out := &openpgp.Entity{
		PrimaryKey:  cert.PrimaryKey,
		Identities:  make(map[string]*openpgp.Identity, 1),
		Revocations: cert.Revocations,
	}

	for name, ident := range cert.Identities {
		if ident.UserId != nil && ident.UserId.Email == targetEmail {
			out.Identities[name] = ident
		}
	}

	// User attributes never make it past this rebuild: the output carries
	// only the primary key, the matched user ID and the usable subkeys.
	for _, sk := range cert.Subkeys {
		if subkeyUsable(sk) {
			out.Subkeys = append(out.Subkeys, sk)
		}
	}

	return out
}

// subkeyUsable reports whether the subkey's binding self-signature asserts
// at least one of the capabilities worth publishing. A subkey without a
// self-signature, or whose flags assert neither, is dropped.
func subkeyUsable(sk openpgp.Subkey) bool {
	sig := sk.Sig
	if sig == nil || !sig.FlagsValid {
		return false
	}
	return sig.FlagEncryptCommunications || sig.FlagSign
}
