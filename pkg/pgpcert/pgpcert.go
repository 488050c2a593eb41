// Package pgpcert is the boundary to the OpenPGP certificate codec. It
// wraps parsing and serialization and implements the certificate-level
// transforms the directory needs: secret-material stripping, merging of
// certificates sharing a primary key, current-validity evaluation of user
// IDs, and minimal-disclosure sanitization.
package pgpcert

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

var (
	ErrParse  = errors.New("pgpcert: malformed certificate")
	ErrPolicy = errors.New("pgpcert: certificate cannot be evaluated")
)

// Fingerprint identifies a certificate by its primary key, as uppercase hex.
type Fingerprint string

// FingerprintOf derives the store key for a certificate.
func FingerprintOf(e *openpgp.Entity) Fingerprint {
	return Fingerprint(fmt.Sprintf("%X", e.PrimaryKey.Fingerprint))
}

const armorPrefix = "-----BEGIN PGP"

// Parse reads a single certificate from its binary or ASCII-armored
// interchange form.
func Parse(data []byte) (*openpgp.Entity, error) {
	var (
		el  openpgp.EntityList
		err error
	)
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(armorPrefix)) {
		el, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		el, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(el) == 0 {
		return nil, fmt.Errorf("%w: no certificate in input", ErrParse)
	}
	return el[0], nil
}

// ParseFile reads one certificate from a file on disk.
func ParseFile(path string) (*openpgp.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Parse(data)
}

// Export returns the certificate's binary serialization. Only public
// material is written.
func Export(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize certificate: %w", err)
	}
	return buf.Bytes(), nil
}

// StripSecrets removes all secret key material in place. The store owns
// every imported certificate, and none of them may retain secrets.
func StripSecrets(e *openpgp.Entity) {
	e.PrivateKey = nil
	for i := range e.Subkeys {
		e.Subkeys[i].PrivateKey = nil
	}
}

// ValidIdentities evaluates the certificate's user IDs under the current
// validity policy and returns the declared email address of every valid
// one. A certificate with no valid user IDs yields an empty slice, not an
// error; ErrPolicy means evaluation could not be performed at all.
func ValidIdentities(e *openpgp.Entity, now time.Time) ([]string, error) {
	if e == nil || e.PrimaryKey == nil {
		return nil, fmt.Errorf("%w: missing primary key", ErrPolicy)
	}
	var emails []string
	for _, ident := range e.Identities {
		if !identityValid(ident, now) {
			continue
		}
		if ident.UserId == nil || ident.UserId.Email == "" {
			continue
		}
		emails = append(emails, ident.UserId.Email)
	}
	return emails, nil
}

// identityValid is the current-validity policy: a user ID counts iff its
// self-signature exists, has not expired by now, and is not revoked.
func identityValid(ident *openpgp.Identity, now time.Time) bool {
	sig := ident.SelfSignature
	if sig == nil {
		return false
	}
	if sig.SigExpired(now) {
		return false
	}
	return len(ident.Revocations) == 0
}

// Merge folds the material of incoming into existing. Both inputs must
// share a primary key. Every subkey, user ID and revocation present in
// either certificate is preserved; material already present is not
// duplicated, so merging a certificate with itself is a no-op.
func Merge(existing, incoming *openpgp.Entity) (*openpgp.Entity, error) {
	if FingerprintOf(existing) != FingerprintOf(incoming) {
		return nil, fmt.Errorf("%w: fingerprint mismatch on merge", ErrPolicy)
	}

	out := &openpgp.Entity{
		PrimaryKey:  existing.PrimaryKey,
		Identities:  make(map[string]*openpgp.Identity, len(existing.Identities)),
		Subkeys:     append([]openpgp.Subkey(nil), existing.Subkeys...),
		Revocations: append([]*packet.Signature(nil), existing.Revocations...),
	}
	for name, ident := range existing.Identities {
		out.Identities[name] = ident
	}
	for name, ident := range incoming.Identities {
		if _, ok := out.Identities[name]; !ok {
			out.Identities[name] = ident
		}
	}

	have := make(map[Fingerprint]struct{}, len(out.Subkeys))
	for _, sk := range out.Subkeys {
		have[subkeyFingerprint(sk)] = struct{}{}
	}
	for _, sk := range incoming.Subkeys {
		fp := subkeyFingerprint(sk)
		if _, ok := have[fp]; ok {
			continue
		}
		out.Subkeys = append(out.Subkeys, sk)
		have[fp] = struct{}{}
	}

	seen := make(map[string]struct{}, len(out.Revocations))
	for _, sig := range out.Revocations {
		seen[sigKey(sig)] = struct{}{}
	}
	for _, sig := range incoming.Revocations {
		if _, ok := seen[sigKey(sig)]; ok {
			continue
		}
		out.Revocations = append(out.Revocations, sig)
		seen[sigKey(sig)] = struct{}{}
	}

	return out, nil
}

func subkeyFingerprint(sk openpgp.Subkey) Fingerprint {
	return Fingerprint(fmt.Sprintf("%X", sk.PublicKey.Fingerprint))
}

func sigKey(sig *packet.Signature) string {
	issuer := uint64(0)
	if sig.IssuerKeyId != nil {
		issuer = *sig.IssuerKeyId
	}
	return fmt.Sprintf("%d/%d/%x", sig.SigType, issuer, sig.CreationTime.UnixNano())
}
