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
	"errors"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/common"
	"github.com/alwitt/tickstream/eventstream"
	"github.com/alwitt/tickstream/producer"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestStreamHandler REST handler for stream subscriptions
type APIRestStreamHandler struct {
	goutils.RestAPIHandler
	registry      session.Registry
	producers     producer.Factory
	identity      IdentityProvider
	reconnectHint time.Duration
	validate      *validator.Validate
}

// GetAPIRestStreamHandler define APIRestStreamHandler
func GetAPIRestStreamHandler(
	registry session.Registry,
	producers producer.Factory,
	identity IdentityProvider,
	reconnectHint time.Duration,
	httpConfig *common.HTTPConfig,
) (APIRestStreamHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "stream",
	}
	return APIRestStreamHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry:      registry,
		producers:     producers,
		identity:      identity,
		reconnectHint: reconnectHint,
		validate:      validator.New(),
	}, nil
}

// Subscribe godoc
// @Summary Establish a stream session
// @Description Establish a tier-scaled push session for one market data kind. This is a
// long lived server send event stream. The stream closes on client disconnect, session
// timeout, or server shutdown.
// @tags Stream
// @Produce plain
// @Param Tickstream-Request-ID header string false "User provided request ID to match against logs"
// @Param Tickstream-Owner-ID header string true "Subscriber owner ID"
// @Param Tickstream-Owner-Tier header string false "Subscriber tier (free | pro | premium)"
// @Param dataKind path string true "Market data kind to stream"
// @Success 200 {string} string "server send event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream/{dataKind} [get]
func (h APIRestStreamHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	// Reject with a normal REST response while that is still possible; once the
	// SSE transport opens, the response status is committed and all further
	// errors travel over the stream itself.
	rejectCall := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	vars := mux.Vars(r)
	dataKind, ok := vars["dataKind"]
	if !ok {
		msg := "No data kind provided"
		log.WithFields(localLogTags).Errorf(msg)
		rejectCall(http.StatusBadRequest, msg, msg)
		return
	}

	subscriber, err := h.identity.Identify(r)
	if err != nil {
		msg := "Unable to identify subscriber"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		rejectCall(http.StatusUnauthorized, msg, err.Error())
		return
	}

	fetch, err := h.producers.ForDataKind(dataKind)
	if err != nil {
		msg := "Unable to source requested data kind"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		rejectCall(http.StatusBadRequest, msg, err.Error())
		return
	}

	// Remaining query parameters pass through to the data producer
	subscribeParams := map[string]string{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			subscribeParams[name] = values[0]
		}
	}

	logTags := localLogTags
	logTags["owner"] = subscriber.OwnerID
	logTags["tier"] = subscriber.Tier
	logTags["data_kind"] = dataKind

	transport, err := eventstream.GetSSETransport(w, r, h.reconnectHint)
	if err != nil {
		msg := "Streaming not supported"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		rejectCall(http.StatusInternalServerError, msg, err.Error())
		return
	}

	admitted, err := h.registry.Admit(
		subscriber.OwnerID, subscriber.Tier, dataKind, subscribeParams, transport,
	)
	if err != nil {
		// The retry hint line is already on the wire, so the rejection is
		// delivered as a terminal stream event
		log.WithError(err).WithFields(logTags).Error("Admission refused")
		rejection := session.ErrorEvent{Message: err.Error()}
		if errors.Is(err, session.ErrCapacityExceeded) {
			rejection.Message = "server at capacity, retry later"
		} else if errors.Is(err, session.ErrTierLimitExceeded) {
			rejection.Message = "tier connection limit reached"
		}
		if writeErr := transport.WriteEvent(
			session.EventError, rejection, "",
		); writeErr != nil {
			log.WithError(writeErr).WithFields(logTags).Error("Failed to send rejection")
		}
		if closeErr := transport.Close(); closeErr != nil {
			log.WithError(closeErr).WithFields(logTags).Error("Failed to close transport")
		}
		return
	}

	driver, err := session.GetDriver(h.registry, admitted, fetch)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session driver")
		h.registry.Evict(admitted.ID, session.ReasonClientError)
		return
	}

	// The request goroutine becomes the session driver
	log.WithFields(logTags).Infof("Starting stream session %s", admitted.ID)
	driver.Run()
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestStreamHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For stream REST API liveness check
// @Description Will return success to indicate stream REST API module is live
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestStreamHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestStreamHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}
