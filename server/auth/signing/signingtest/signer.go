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

// Package signingtest implements signing.Signer on top of a small randomly
// generated in-memory RSA key, for use in unit tests.
package signingtest

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/authfleet/authfleet/server/auth/signing"
)

// Signer implements signing.Signer in tests.
type Signer struct {
	priv    *rsa.PrivateKey
	keyName string
	certs   *signing.PublicCertificates
}

var _ signing.Signer = (*Signer)(nil)

// NewSigner returns a Signer with a new random 2048 bit RSA key.
//
// Panics on errors, it is test-only code.
func NewSigner() *Signer {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signingtest"},
		NotBefore:    time.Unix(1000000000, 0),
		NotAfter:     time.Unix(10000000000, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		panic(err)
	}
	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	const keyName = "signing-test-key"
	return &Signer{
		priv:    priv,
		keyName: keyName,
		certs: &signing.PublicCertificates{
			ServiceAccountName: "signer@signingtest.example.com",
			Certificates: []signing.Certificate{
				{KeyName: keyName, X509CertificatePEM: string(pemCert)},
			},
		},
	}
}

// SignBytes signs the blob with the test private key.
func (s *Signer) SignBytes(ctx context.Context, blob []byte) (string, []byte, error) {
	digest := sha256.Sum256(blob)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	return s.keyName, sig, err
}

// Certificates returns the bundle with the test certificate.
func (s *Signer) Certificates(ctx context.Context) (*signing.PublicCertificates, error) {
	return s.certs, nil
}

// KeyName returns the name of the test key.
func (s *Signer) KeyName() string {
	return s.keyName
}
