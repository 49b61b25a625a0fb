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

package signing

import (
	"context"
)

// Signer holds a private key and can sign blobs with it.
//
// It is implemented by the primary service (backed by its service account
// key) and by signingtest.Signer in tests.
type Signer interface {
	// SignBytes signs the blob with some active private key.
	//
	// Returns the name of the key used and the signature, so that the verifying
	// side can pick the matching certificate from the bundle.
	SignBytes(ctx context.Context, blob []byte) (keyName string, signature []byte, err error)

	// Certificates returns a bundle with public certificates for all active
	// keys of this signer.
	Certificates(ctx context.Context) (*PublicCertificates, error)
}
