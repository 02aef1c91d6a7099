// Package fingerprint computes versioned content fingerprints over canonical bytes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"custodyline/internal/canon"
)

// Version identifies a canonicalization ruleset paired with a digest algorithm.
type Version string

const (
	V1 Version = "1"
	V2 Version = "2"

	// Default is the version used when none is configured.
	Default = V1
)

// Size is the digest length in bytes.
const Size = 32

var (
	ErrUnknownVersion = errors.New("unknown fingerprint version")
	ErrMalformed      = errors.New("malformed fingerprint")
)

// Suite binds a version to its encoder and digest.
type Suite struct {
	Version   Version
	Ruleset   string
	Algorithm string
	Prefix    string

	encoder canon.Encoder
	newHash func() hash.Hash
}

var suites = map[Version]Suite{
	V1: {Version: V1, Ruleset: canon.RulesetV1, Algorithm: "SHA-256", Prefix: "sha256:", encoder: canon.V1, newHash: sha256.New},
	V2: {Version: V2, Ruleset: canon.RulesetV1, Algorithm: "SHA3-256", Prefix: "sha3-256:", encoder: canon.V1, newHash: sha3.New256},
}

// Lookup returns the suite registered for v.
func Lookup(v Version) (Suite, error) {
	s, ok := suites[v]
	if !ok {
		return Suite{}, fmt.Errorf("%w %q", ErrUnknownVersion, string(v))
	}
	return s, nil
}

// MustLookup is Lookup for versions known at compile time.
func MustLookup(v Version) Suite {
	s, err := Lookup(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Versions lists registered versions in ascending order.
func Versions() []Version {
	out := make([]Version, 0, len(suites))
	for v := range suites {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Of fingerprints record with the default suite.
func Of(record any) (Fingerprint, error) {
	return MustLookup(Default).Fingerprint(record)
}

// OfBytes fingerprints raw bytes with the default suite.
func OfBytes(raw []byte) Fingerprint {
	return MustLookup(Default).FingerprintBytes(raw)
}

// Canonical returns the canonical bytes the suite hashes for record.
func (s Suite) Canonical(record any) ([]byte, error) {
	return s.encoder.Encode(record)
}

// Fingerprint canonicalizes record and digests the result.
func (s Suite) Fingerprint(record any) (Fingerprint, error) {
	b, err := s.encoder.Encode(record)
	if err != nil {
		return Fingerprint{}, err
	}
	return s.FingerprintBytes(b), nil
}

// FingerprintBytes digests raw without canonicalization.
func (s Suite) FingerprintBytes(raw []byte) Fingerprint {
	h := s.newHash()
	h.Write(raw)
	var d Digest
	copy(d[:], h.Sum(nil))
	return Fingerprint{Version: s.Version, Digest: d}
}

// Digest is a 256-bit digest.
type Digest [Size]byte

// Hex renders d as 64 lowercase hex characters.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

func (d Digest) IsZero() bool { return d == Digest{} }

// Fingerprint is a digest together with the version that produced it.
type Fingerprint struct {
	Version Version
	Digest  Digest
}

// Hex is the storage form.
func (f Fingerprint) Hex() string { return f.Digest.Hex() }

// Display prefixes the digest with its algorithm name.
func (f Fingerprint) Display() string {
	if s, ok := suites[f.Version]; ok {
		return s.Prefix + f.Digest.Hex()
	}
	return f.Digest.Hex()
}

func (f Fingerprint) String() string { return f.Display() }

func (f Fingerprint) IsZero() bool { return f.Digest.IsZero() }

// Matches compares against a stored hex or display-form digest.
func (f Fingerprint) Matches(stored string) bool {
	d, err := ParseDigest(stored)
	if err != nil {
		return false
	}
	return d == f.Digest
}

// ParseDigest accepts the storage form or any registered display prefix.
func ParseDigest(s string) (Digest, error) {
	for _, suite := range suites {
		if strings.HasPrefix(s, suite.Prefix) {
			s = strings.TrimPrefix(s, suite.Prefix)
			break
		}
	}
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("%w: want %d hex chars, got %d", ErrMalformed, hex.EncodedLen(Size), len(s))
	}
	if strings.ToLower(s) != s {
		return d, fmt.Errorf("%w: digest must be lowercase hex", ErrMalformed)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

// Parse rebuilds a fingerprint from its stored version and digest.
func Parse(version Version, digest string) (Fingerprint, error) {
	if _, err := Lookup(version); err != nil {
		return Fingerprint{}, err
	}
	d, err := ParseDigest(digest)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Version: version, Digest: d}, nil
}
