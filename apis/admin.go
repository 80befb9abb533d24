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
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/common"
	"github.com/alwitt/tickstream/core"
	"github.com/alwitt/tickstream/monitoring"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestAdminHandler REST handler for gateway administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	registry    session.Registry
	broadcaster session.Broadcaster
	natsClient  *core.NatsClient
	hostMonitor monitoring.HostMonitor
	validate    *validator.Validate
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	registry session.Registry,
	broadcaster session.Broadcaster,
	natsClient *core.NatsClient,
	hostMonitor monitoring.HostMonitor,
	httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "admin",
	}
	return APIRestAdminHandler{
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
		registry:    registry,
		broadcaster: broadcaster,
		natsClient:  natsClient,
		hostMonitor: hostMonitor,
		validate:    validator.New(),
	}, nil
}

// =======================================================================
// Broadcast

// APIRestReqBroadcast request body for broadcast operations
type APIRestReqBroadcast struct {
	// Event the event to deliver
	Event session.Event `json:"event" validate:"required,dive"`
	// Filter optional session filter, all-sessions broadcast only
	Filter *session.BroadcastFilter `json:"filter,omitempty"`
}

// APIRestRespBroadcast response of a broadcast operation
type APIRestRespBroadcast struct {
	goutils.RestAPIBaseResponse
	// Delivered the number of sessions the event reached
	Delivered int `json:"delivered"`
}

// BroadcastToOwner godoc
// @Summary Broadcast an event to one owner
// @Description Deliver an event to every live stream session of one owner
// @tags Admin
// @Accept json
// @Produce json
// @Param Tickstream-Request-ID header string false "User provided request ID to match against logs"
// @Param ownerID path string true "Target owner ID"
// @Param event body APIRestReqBroadcast true "Event to deliver"
// @Success 200 {object} APIRestRespBroadcast "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Tickstream-Request-ID "Request ID to match against logs"
// @Router /v1/admin/broadcast/owner/{ownerID} [post]
func (h APIRestAdminHandler) BroadcastToOwner(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	ownerID, ok := vars["ownerID"]
	if !ok {
		msg := "No owner ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var request APIRestReqBroadcast
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered := h.broadcaster.ToOwner(ownerID, request.Event)
	respCode = http.StatusOK
	respBody = APIRestRespBroadcast{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// BroadcastToOwnerHandler Wrapper around BroadcastToOwner
func (h APIRestAdminHandler) BroadcastToOwnerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastToOwner(w, r)
	}
}

// -----------------------------------------------------------------------

// BroadcastToAll godoc
// @Summary Broadcast an event to matching sessions
// @Description Deliver an event to every live stream session matching an optional filter
// on data kind and tier
// @tags Admin
// @Accept json
// @Produce json
// @Param Tickstream-Request-ID header string false "User provided request ID to match against logs"
// @Param event body APIRestReqBroadcast true "Event to deliver, with optional filter"
// @Success 200 {object} APIRestRespBroadcast "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Tickstream-Request-ID "Request ID to match against logs"
// @Router /v1/admin/broadcast [post]
func (h APIRestAdminHandler) BroadcastToAll(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request APIRestReqBroadcast
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered := h.broadcaster.ToAll(request.Event, request.Filter)
	respCode = http.StatusOK
	respBody = APIRestRespBroadcast{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// BroadcastToAllHandler Wrapper around BroadcastToAll
func (h APIRestAdminHandler) BroadcastToAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastToAll(w, r)
	}
}

// =======================================================================
// Maintenance shutdown

// APIRestReqShutdown request body for session shutdown
type APIRestReqShutdown struct {
	// Reason eviction reason recorded against each session
	Reason string `json:"reason,omitempty"`
}

// APIRestRespShutdown response of a session shutdown
type APIRestRespShutdown struct {
	goutils.RestAPIBaseResponse
	// Evicted the number of sessions evicted
	Evicted int `json:"evicted"`
}

// Shutdown godoc
// @Summary Evict all active stream sessions
// @Description Send every active session a shutdown notice with a reconnect delay hint,
// then evict them all. Used ahead of maintenance.
// @tags Admin
// @Accept json
// @Produce json
// @Param Tickstream-Request-ID header string false "User provided request ID to match against logs"
// @Param reason body APIRestReqShutdown false "Eviction reason (DEFAULT: maintenance)"
// @Success 200 {object} APIRestRespShutdown "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Tickstream-Request-ID "Request ID to match against logs"
// @Router /v1/admin/shutdown [post]
func (h APIRestAdminHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	request := APIRestReqShutdown{}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			msg := "Unable to parse request body"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}

	evicted := h.broadcaster.Shutdown(request.Reason)
	respCode = http.StatusOK
	respBody = APIRestRespShutdown{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Evicted: evicted,
	}
}

// ShutdownHandler Wrapper around Shutdown
func (h APIRestAdminHandler) ShutdownHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Shutdown(w, r)
	}
}

// =======================================================================
// Health

// APIRestRespHealth response of a health query
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// Sessions aggregate session registry state
	Sessions session.Stats `json:"sessions"`
	// Host host resource readings
	Host monitoring.HostStatus `json:"host"`
}

// Health godoc
// @Summary Gateway health report
// @Description Aggregate session registry statistics and host resource readings
// @tags Admin
// @Produce json
// @Param Tickstream-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Tickstream-Request-ID "Request ID to match against logs"
// @Router /v1/admin/health [get]
func (h APIRestAdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	response := APIRestRespHealth{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            h.registry.Stats(),
		Host:                h.hostMonitor.Status(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &response, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIRestAdminHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway readiness check
// @Description Will return success if the gateway can reach the market data backbone
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
