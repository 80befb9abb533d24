// Copyright 2022 The tickstream Authors
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

package apis

import (
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/common"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// HTTPLogSink forwards HTTP access log lines into the application logger
type HTTPLogSink struct {
	goutils.Component
}

// GetHTTPLogSink define a HTTPLogSink
func GetHTTPLogSink(instance string) HTTPLogSink {
	return HTTPLogSink{
		Component: goutils.Component{LogTags: log.Fields{
			"module": "rest", "component": "access-log", "instance": instance,
		}},
	}
}

// Write logging support
func (s HTTPLogSink) Write(p []byte) (n int, err error) {
	log.WithFields(s.LogTags).Infof("%s", p)
	return len(p), nil
}

// ========================================================================================
// Subscriber identity

// SubscriberIdentity who is subscribing, and at what tier
type SubscriberIdentity struct {
	// OwnerID the subscribing user
	OwnerID string
	// Tier the subscriber's tier
	Tier session.Tier
}

// IdentityProvider reads the subscriber identity off an incoming request.
//
// The gateway sits behind an authenticating proxy, so identity arrives as
// trusted request headers.
type IdentityProvider interface {
	// Identify fetch the subscriber identity from the request
	Identify(r *http.Request) (SubscriberIdentity, error)
}

// headerIdentityProvider implements IdentityProvider using request headers
type headerIdentityProvider struct {
	ownerIDHeader string
	tierHeader    string
}

// GetHeaderIdentityProvider define an IdentityProvider reading trusted headers
func GetHeaderIdentityProvider(config common.IdentityConfig) (IdentityProvider, error) {
	if config.OwnerIDHeader == "" || config.TierHeader == "" {
		return nil, fmt.Errorf("identity header names are required")
	}
	return &headerIdentityProvider{
		ownerIDHeader: config.OwnerIDHeader, tierHeader: config.TierHeader,
	}, nil
}

// Identify fetch the subscriber identity from the request
func (p *headerIdentityProvider) Identify(r *http.Request) (SubscriberIdentity, error) {
	ownerID := r.Header.Get(p.ownerIDHeader)
	if ownerID == "" {
		return SubscriberIdentity{}, fmt.Errorf("request missing %s header", p.ownerIDHeader)
	}
	return SubscriberIdentity{
		OwnerID: ownerID, Tier: session.ParseTier(r.Header.Get(p.tierHeader)),
	}, nil
}
