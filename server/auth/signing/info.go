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
	"sync"
	"time"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/retry/transient"
	"github.com/authfleet/authfleet/server/auth/internal"
)

// infoCacheExpiration is how long to cache fetched service info responses.
// The app ID of a service is static, so this can be generous.
const infoCacheExpiration = time.Hour

// ServiceInfo describes the identity of a service, as served by its
// /auth/api/v1/server/info endpoint.
type ServiceInfo struct {
	AppID              string `json:"app_id,omitempty"`
	AppVersion         string `json:"app_version,omitempty"`
	ServiceAccountName string `json:"service_account_name,omitempty"`
}

type infoCacheEntry struct {
	info    *ServiceInfo
	fetched time.Time
}

var (
	infoCacheLock sync.RWMutex
	infoCache     = map[string]*infoCacheEntry{}
)

// resetInfoCache drops all cached service info. Used by tests.
func resetInfoCache() {
	infoCacheLock.Lock()
	defer infoCacheLock.Unlock()
	infoCache = map[string]*infoCacheEntry{}
}

// FetchServiceInfo fetches information about a service given its root URL.
//
// Responses are cached process-wide. Network errors are transient.
func FetchServiceInfo(ctx context.Context, serviceURL string) (*ServiceInfo, error) {
	now := clock.Now(ctx)

	infoCacheLock.RLock()
	entry := infoCache[serviceURL]
	infoCacheLock.RUnlock()
	if entry != nil && now.Before(entry.fetched.Add(infoCacheExpiration)) {
		return entry.info, nil
	}

	info := &ServiceInfo{}
	req := internal.Request{
		Method: "GET",
		URL:    serviceURL + "/auth/api/v1/server/info",
		Out:    info,
	}
	if err := req.Do(ctx); err != nil {
		return nil, transient.Tag.Apply(errors.Annotate(err, "signing: failed to fetch service info of %q", serviceURL).Err())
	}

	infoCacheLock.Lock()
	infoCache[serviceURL] = &infoCacheEntry{info: info, fetched: now}
	infoCacheLock.Unlock()
	return info, nil
}

// FetchServiceIdentity returns the "service:<app-id>" identity of a service
// given its root URL.
func FetchServiceIdentity(ctx context.Context, serviceURL string) (identity.Identity, error) {
	info, err := FetchServiceInfo(ctx, serviceURL)
	if err != nil {
		return "", err
	}
	return identity.MakeIdentity("service:" + info.AppID)
}
