// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package signing provides access to public certificate bundles of trusted
// signers and verification of RSA-SHA256 signatures made with their keys.
package signing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/rand"
	"sync"
	"time"

	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/retry/transient"
	"github.com/authfleet/authfleet/server/auth/internal"
)

// CertsCacheExpiration is how long to cache fetched certificate bundles.
//
// Each cached bundle additionally expires up to 10 min early, picked at
// random per inspection, so that a fleet of processes does not stampede the
// certificate endpoint at the same instance.
const CertsCacheExpiration = time.Hour

// ErrNoSuchKey is returned by CheckSignature if the bundle has no
// certificate with the requested key name.
var ErrNoSuchKey = errors.New("signing: no such certificate key")

// Certificate is one public certificate of a signer.
type Certificate struct {
	KeyName            string `json:"key_name"`
	X509CertificatePEM string `json:"x509_certificate_pem"`
}

// PublicCertificates is a bundle of certificates of some signer, as served
// by its /auth/api/v1/server/certificates endpoint.
type PublicCertificates struct {
	ServiceAccountName string        `json:"service_account_name,omitempty"`
	Certificates       []Certificate `json:"certificates"`
	Timestamp          int64         `json:"timestamp"` // microseconds since epoch

	// parsed public keys, populated lazily by CheckSignature.
	lock   sync.RWMutex
	parsed map[string]*rsa.PublicKey
}

// certsCacheEntry is a cached bundle for one URL.
type certsCacheEntry struct {
	certs    *PublicCertificates
	fetched  time.Time
	earlyExp time.Duration // subtracted from the TTL, randomized per fetch
}

var (
	certsCacheLock sync.RWMutex
	certsCache     = map[string]*certsCacheEntry{}
)

// resetCertsCache drops all cached bundles. Used by tests.
func resetCertsCache() {
	certsCacheLock.Lock()
	defer certsCacheLock.Unlock()
	certsCache = map[string]*certsCacheEntry{}
}

// FetchCertificates fetches and caches the certificate bundle served at the
// given URL.
//
// Network errors are tagged as transient: a caller that cannot fetch trust
// material must not treat the failure as a bad credential.
func FetchCertificates(ctx context.Context, url string) (*PublicCertificates, error) {
	now := clock.Now(ctx)

	certsCacheLock.RLock()
	entry := certsCache[url]
	certsCacheLock.RUnlock()
	if entry != nil && now.Before(entry.fetched.Add(CertsCacheExpiration-entry.earlyExp)) {
		return entry.certs, nil
	}

	certs := &PublicCertificates{}
	req := internal.Request{
		Method: "GET",
		URL:    url,
		Out:    certs,
	}
	if err := req.Do(ctx); err != nil {
		// Keep serving the stale bundle if the refetch failed, certificates
		// rotate rarely. An entry exists only if it was valid once.
		if entry != nil {
			return entry.certs, nil
		}
		return nil, transient.Tag.Apply(errors.Annotate(err, "signing: failed to fetch certificates from %q", url).Err())
	}

	certsCacheLock.Lock()
	certsCache[url] = &certsCacheEntry{
		certs:    certs,
		fetched:  now,
		earlyExp: time.Duration(rand.Int63n(int64(10 * time.Minute))),
	}
	certsCacheLock.Unlock()
	return certs, nil
}

// CheckSignature returns nil if 'signature' is a correct
// RSA-PKCS1v1.5-SHA256 signature of 'blob' made by the key named by 'key'.
//
// Returns ErrNoSuchKey if the bundle has no such key, a fatal error if the
// certificate is malformed or the signature does not match.
func (pc *PublicCertificates) CheckSignature(key string, blob, signature []byte) error {
	pub, err := pc.publicKey(key)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(blob)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return errors.Reason("signing: signature verification failed").Err()
	}
	return nil
}

func (pc *PublicCertificates) publicKey(key string) (*rsa.PublicKey, error) {
	pc.lock.RLock()
	pub := pc.parsed[key]
	pc.lock.RUnlock()
	if pub != nil {
		return pub, nil
	}

	pc.lock.Lock()
	defer pc.lock.Unlock()
	if pub := pc.parsed[key]; pub != nil {
		return pub, nil
	}

	var pemData string
	for _, cert := range pc.Certificates {
		if cert.KeyName == key {
			pemData = cert.X509CertificatePEM
			break
		}
	}
	if pemData == "" {
		return nil, ErrNoSuchKey
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Reason("signing: certificate %q is not PEM encoded", key).Err()
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "signing: bad certificate %q", key).Err()
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Reason("signing: certificate %q is not an RSA certificate", key).Err()
	}

	if pc.parsed == nil {
		pc.parsed = map[string]*rsa.PublicKey{}
	}
	pc.parsed[key] = pub
	return pub, nil
}
