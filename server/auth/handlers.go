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

package auth

import (
	"encoding/json"
	"net/http"

	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/signing"
)

// InstallHandlers installs the endpoints other services use to discover
// this service's identity and public certificates:
//
//	/auth/api/v1/server/certificates
//	/auth/api/v1/server/info
//
// The handlers read the Signer from the request context, so the config
// must be installed there by some root middleware.
func InstallHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/auth/api/v1/server/certificates", certsHandler)
	mux.HandleFunc("/auth/api/v1/server/info", infoHandler)
}

func certsHandler(rw http.ResponseWriter, r *http.Request) {
	signer := GetSigner(r.Context())
	if signer == nil {
		http.Error(rw, "no signer configured", http.StatusNotFound)
		return
	}
	certs, err := signer.Certificates(r.Context())
	if err != nil {
		logging.Errorf(r.Context(), "auth: failed to grab own certificates - %s", err)
		http.Error(rw, "transient error", http.StatusInternalServerError)
		return
	}
	replyJSON(rw, certs)
}

func infoHandler(rw http.ResponseWriter, r *http.Request) {
	signer := GetSigner(r.Context())
	if signer == nil {
		http.Error(rw, "no signer configured", http.StatusNotFound)
		return
	}
	certs, err := signer.Certificates(r.Context())
	if err != nil {
		logging.Errorf(r.Context(), "auth: failed to grab own service info - %s", err)
		http.Error(rw, "transient error", http.StatusInternalServerError)
		return
	}
	info := signing.ServiceInfo{
		ServiceAccountName: certs.ServiceAccountName,
	}
	if cfg := getConfig(r.Context()); cfg != nil {
		info.AppID = cfg.OwnServiceIdentity.Value()
	}
	replyJSON(rw, &info)
}

func replyJSON(rw http.ResponseWriter, obj any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(obj); err != nil {
		http.Error(rw, "failed to serialize the reply", http.StatusInternalServerError)
	}
}
