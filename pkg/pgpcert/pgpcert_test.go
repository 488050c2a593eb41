package pgpcert

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	require.NoError(t, err)
	return e
}

// reparse round-trips an entity through its public serialization, giving an
// independent copy without secret material.
func reparse(t *testing.T, e *openpgp.Entity) *openpgp.Entity {
	t.Helper()
	data, err := Export(e)
	require.NoError(t, err)
	copied, err := Parse(data)
	require.NoError(t, err)
	return copied
}

func TestParseBinaryAndArmored(t *testing.T) {
	e := newTestEntity(t, "Alice", "alice@example.com")

	data, err := Export(e)
	require.NoError(t, err)

	fromBinary, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, FingerprintOf(e), FingerprintOf(fromBinary))

	var armored bytes.Buffer
	wc, err := armor.Encode(&armored, "PGP PUBLIC KEY BLOCK", nil)
	require.NoError(t, err)
	_, err = wc.Write(data)
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	fromArmor, err := Parse(armored.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FingerprintOf(e), FingerprintOf(fromArmor))
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("definitely not an openpgp certificate"))
	assert.ErrorIs(t, err, ErrParse)

	_, err = ParseFile("/nonexistent/path/key.pgp")
	assert.ErrorIs(t, err, ErrParse)
}

func TestStripSecrets(t *testing.T) {
	e := newTestEntity(t, "Alice", "alice@example.com")
	require.NotNil(t, e.PrivateKey)

	StripSecrets(e)

	assert.Nil(t, e.PrivateKey)
	for _, sk := range e.Subkeys {
		assert.Nil(t, sk.PrivateKey)
	}
}

func TestValidIdentities(t *testing.T) {
	e := newTestEntity(t, "Alice", "alice@example.com")

	emails, err := ValidIdentities(e, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, emails)
}

func TestValidIdentitiesExpiredAndRevoked(t *testing.T) {
	now := time.Now()

	expired := newTestEntity(t, "Alice", "alice@example.com")
	for _, ident := range expired.Identities {
		lifetime := uint32(1)
		ident.SelfSignature.CreationTime = now.Add(-time.Hour)
		ident.SelfSignature.SigLifetimeSecs = &lifetime
	}
	emails, err := ValidIdentities(expired, now)
	require.NoError(t, err)
	assert.Empty(t, emails)

	revoked := newTestEntity(t, "Bob", "bob@example.com")
	for _, ident := range revoked.Identities {
		ident.Revocations = append(ident.Revocations, ident.SelfSignature)
	}
	emails, err = ValidIdentities(revoked, now)
	require.NoError(t, err)
	assert.Empty(t, emails)
}

func TestValidIdentitiesPolicyFailure(t *testing.T) {
	_, err := ValidIdentities(nil, time.Now())
	assert.ErrorIs(t, err, ErrPolicy)

	_, err = ValidIdentities(&openpgp.Entity{}, time.Now())
	assert.ErrorIs(t, err, ErrPolicy)
}

func TestMergePreservesMaterial(t *testing.T) {
	e := newTestEntity(t, "Alice", "alice@example.com")
	full := reparse(t, e)
	bare := reparse(t, e)
	bare.Subkeys = nil

	merged, err := Merge(full, bare)
	require.NoError(t, err)
	assert.Len(t, merged.Subkeys, len(full.Subkeys),
		"prior subkeys must survive a merge with a certificate lacking them")

	merged, err = Merge(bare, full)
	require.NoError(t, err)
	assert.Len(t, merged.Subkeys, len(full.Subkeys),
		"incoming subkeys must be folded in")
}

func TestMergeWithSelfIsNoop(t *testing.T) {
	e := reparse(t, newTestEntity(t, "Alice", "alice@example.com"))

	merged, err := Merge(e, e)
	require.NoError(t, err)
	assert.Len(t, merged.Subkeys, len(e.Subkeys))
	assert.Len(t, merged.Identities, len(e.Identities))
	assert.Len(t, merged.Revocations, len(e.Revocations))
}

func TestMergeFingerprintMismatch(t *testing.T) {
	a := newTestEntity(t, "Alice", "alice@example.com")
	b := newTestEntity(t, "Bob", "bob@example.com")

	_, err := Merge(a, b)
	assert.Error(t, err)
}

func TestSanitizeContract(t *testing.T) {
	e := reparse(t, newTestEntity(t, "Alice", "alice@example.com"))

	// Graft a second user ID onto the certificate so there is something to
	// drop. The self-signature packet is shared; Sanitize matches on the
	// declared address only.
	var donor *openpgp.Identity
	for _, ident := range e.Identities {
		donor = ident
	}
	uid := packet.NewUserId("Bob", "", "bob@example.com")
	e.Identities[uid.Id] = &openpgp.Identity{
		Name:          uid.Id,
		UserId:        uid,
		SelfSignature: donor.SelfSignature,
	}

	// Add a subkey whose flags assert neither signing nor encryption; it
	// must be dropped.
	require.NotEmpty(t, e.Subkeys)
	dead := e.Subkeys[0]
	deadSig := *dead.Sig
	deadSig.FlagsValid = true
	deadSig.FlagEncryptCommunications = false
	deadSig.FlagEncryptStorage = false
	deadSig.FlagSign = false
	dead.Sig = &deadSig
	e.Subkeys = append(e.Subkeys, dead)

	identityCount := len(e.Identities)
	subkeyCount := len(e.Subkeys)

	out := Sanitize(e, "alice@example.com")

	require.Len(t, out.Identities, 1)
	for _, ident := range out.Identities {
		assert.Equal(t, "alice@example.com", ident.UserId.Email)
	}
	for _, sk := range out.Subkeys {
		require.NotNil(t, sk.Sig)
		assert.True(t, sk.Sig.FlagsValid)
		assert.True(t, sk.Sig.FlagEncryptCommunications || sk.Sig.FlagSign)
	}
	assert.Less(t, len(out.Subkeys), subkeyCount)

	// The input is unchanged.
	assert.Len(t, e.Identities, identityCount)
	assert.Len(t, e.Subkeys, subkeyCount)
}

func TestSanitizeUnknownAddress(t *testing.T) {
	e := reparse(t, newTestEntity(t, "Alice", "alice@example.com"))

	out := Sanitize(e, "mallory@example.com")
	assert.Empty(t, out.Identities)
}

func TestSanitizeDropsSubkeyWithoutSelfSignature(t *testing.T) {
	e := reparse(t, newTestEntity(t, "Alice", "alice@example.com"))
	require.NotEmpty(t, e.Subkeys)
	e.Subkeys[0].Sig = nil

	out := Sanitize(e, "alice@example.com")
	assert.Empty(t, out.Subkeys)
}

func TestMergeSelfErrorsIs(t *testing.T) {
	a := newTestEntity(t, "Alice", "alice@example.com")
	b := newTestEntity(t, "Bob", "bob@example.com")

	_, err := Merge(a, b)
	assert.True(t, errors.Is(err, ErrPolicy))
}
