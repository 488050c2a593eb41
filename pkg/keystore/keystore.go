// Package keystore implements the authoritative concurrent index of
// imported certificates. Certificates are keyed by primary-key fingerprint
// and by every email identity they validly claim, with file provenance
// tracked so a load can be reversed when its file disappears.
package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/keydir/keydir/pkg/pgpcert"
	"github.com/keydir/keydir/pkg/wkd"
)

var (
	ErrKeyNotFound  = errors.New("keystore: key not found")
	ErrFileNotFound = errors.New("keystore: file not found")
)

// EmailIdentity keys the identity index. Two certificates claiming the
// same encoded local-part on the same domain collide here; the later
// import wins.
type EmailIdentity struct {
	EncodedLocal string
	Domain       string
}

type identityEntry struct {
	localPart   string
	fingerprint pgpcert.Fingerprint
}

// Store holds the in-memory certificate index. Any number of readers run
// concurrently; writers are exclusive. The lock guards only the map
// mutation; parsing and policy evaluation happen before it is taken.
type Store struct {
	log *slog.Logger

	mu    sync.RWMutex
	keys  map[pgpcert.Fingerprint]*openpgp.Entity
	uids  map[EmailIdentity]identityEntry
	files map[string]pgpcert.Fingerprint
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		log:   logger,
		keys:  make(map[pgpcert.Fingerprint]*openpgp.Entity),
		uids:  make(map[EmailIdentity]identityEntry),
		files: make(map[string]pgpcert.Fingerprint),
	}
}

// Import adds a certificate to the index. Secret material is stripped
// unconditionally. Every valid, normalizable email on a valid user ID is
// indexed; a certificate with zero valid user IDs is still imported and
// simply contributes no identity mappings. A certificate already present
// under the same fingerprint is merged, preserving prior material.
func (s *Store) Import(cert *openpgp.Entity) error {
	pgpcert.StripSecrets(cert)

	emails, err := pgpcert.ValidIdentities(cert, time.Now())
	if err != nil {
		return err
	}
	fp := pgpcert.FingerprintOf(cert)

	type mapping struct {
		id    EmailIdentity
		local string
	}
	mappings := make([]mapping, 0, len(emails))
	for _, email := range emails {
		local, domain, ok := wkd.NormalizeEmail(email)
		if !ok {
			continue
		}
		mappings = append(mappings, mapping{
			id:    EmailIdentity{EncodedLocal: wkd.EncodeLocalPart(local), Domain: domain},
			local: local,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cert
	if existing, ok := s.keys[fp]; ok {
		merged, err = pgpcert.Merge(existing, cert)
		if err != nil {
			return err
		}
	}
	s.keys[fp] = merged
	for _, m := range mappings {
		s.uids[m.id] = identityEntry{localPart: m.local, fingerprint: fp}
	}
	return nil
}

// Load parses the certificate file at path, imports it, and records the
// path so the certificate can be unloaded when the file goes away.
// Re-loading a path overwrites its previous association.
func (s *Store) Load(path string) error {
	cert, err := pgpcert.ParseFile(path)
	if err != nil {
		return err
	}
	fp := pgpcert.FingerprintOf(cert)

	if err := s.Import(cert); err != nil {
		return err
	}

	s.mu.Lock()
	s.files[path] = fp
	s.mu.Unlock()
	return nil
}

// Unload reverses a Load: the path association is removed and, unless
// another path still contributes the same fingerprint, the certificate and
// all identity mappings pointing at it are deleted.
func (s *Store) Unload(path string) (*openpgp.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	delete(s.files, path)

	for _, other := range s.files {
		if other == fp {
			// Another file still contributes this certificate.
			return s.keys[fp], nil
		}
	}
	return s.deleteLocked(fp)
}

// Delete removes a certificate by fingerprint and purges every identity
// mapping pointing at it.
func (s *Store) Delete(fp pgpcert.Fingerprint) (*openpgp.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(fp)
}

func (s *Store) deleteLocked(fp pgpcert.Fingerprint) (*openpgp.Entity, error) {
	cert, ok := s.keys[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
	}
	delete(s.keys, fp)
	for id, entry := range s.uids {
		if entry.fingerprint == fp {
			delete(s.uids, id)
		}
	}
	return cert, nil
}

// Get returns the certificate stored under fp.
func (s *Store) Get(fp pgpcert.Fingerprint) (*openpgp.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.keys[fp]
	return cert, ok
}

// FindByIdentity resolves an exact match on (encoded local-part, domain)
// and returns the stored local-part together with the certificate.
func (s *Store) FindByIdentity(encodedLocal, domain string) (localPart string, cert *openpgp.Entity, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.uids[EmailIdentity{EncodedLocal: encodedLocal, Domain: domain}]
	if !ok {
		return "", nil, false
	}
	cert, ok = s.keys[entry.fingerprint]
	if !ok {
		return "", nil, false
	}
	return entry.localPart, cert, true
}
