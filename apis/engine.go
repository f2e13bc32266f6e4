// Copyright 2023-2024 The subrelay Authors
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
	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/engine"
	"github.com/alwitt/subrelay/health"
	"github.com/alwitt/subrelay/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestEngineHandler REST handler exposing the subscription engine
type APIRestEngineHandler struct {
	goutils.RestAPIHandler
	core     engine.SubscriptionEngine
	validate *validator.Validate
}

// GetAPIRestEngineHandler define APIRestEngineHandler
func GetAPIRestEngineHandler(
	core engine.SubscriptionEngine,
	httpConfig *common.HTTPConfig,
) (APIRestEngineHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "engine-api",
	}
	return APIRestEngineHandler{
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
		}, core: core, validate: validator.New(),
	}, nil
}

// Write logging support
func (h APIRestEngineHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// errorCode map a core error to a REST status code
func errorCode(err error) int {
	switch err {
	case common.ErrMalformedTopic:
		return http.StatusBadRequest
	case common.ErrConnectionNotFound, common.ErrSubscriptionNotFound:
		return http.StatusNotFound
	case common.ErrConnectionInactive:
		return http.StatusGone
	case common.ErrCapacityExceeded:
		return http.StatusServiceUnavailable
	case common.ErrAuthenticationRequired:
		return http.StatusUnauthorized
	case common.ErrAuthorizationDenied:
		return http.StatusForbidden
	case common.ErrNotRunning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// -----------------------------------------------------------------------

// APIRestReqPublish request body for publishing to a topic
type APIRestReqPublish struct {
	// Data the payload content
	Data interface{} `json:"data" validate:"required"`
	// Metadata optional payload metadata
	Metadata *common.PayloadMetadata `json:"metadata,omitempty"`
}

// APIRestRespPublish response for publishing to a topic
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Topic the topic published to
	Topic string `json:"topic"`
	// Delivered the number of successful subscriber deliveries
	Delivered int `json:"delivered"`
}

// PublishMessage godoc
// @Summary Publish a payload to a topic
// @Description Fan a payload out to the topic's current subscribers
// @tags Engine
// @Accept json
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param topicName path string true "Topic to publish on"
// @Param payload body APIRestReqPublish true "Payload to publish"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/topic/{topicName}/publish [post]
func (h APIRestEngineHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	topicName, ok := vars["topicName"]
	if !ok {
		msg := "No topic name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var params APIRestReqPublish
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Request body did not pass validation"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.core.Publish(r.Context(), topicName, common.Payload{
		Data: params.Data, Metadata: params.Metadata,
	}, nil)
	if err != nil {
		msg := "Failed to publish payload"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Topic: topicName, Delivered: delivered,
	}
}

// PublishMessageHandler Wrapper around PublishMessage
func (h APIRestEngineHandler) PublishMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishMessage(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBroadcast response for broadcasting across all topics
type APIRestRespBroadcast struct {
	goutils.RestAPIBaseResponse
	// Delivered the number of successful subscriber deliveries
	Delivered int `json:"delivered"`
}

// BroadcastMessage godoc
// @Summary Broadcast a payload across all topics
// @Description Fan a payload out to every subscriber of every topic which
// currently has subscribers
// @tags Engine
// @Accept json
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param payload body APIRestReqPublish true "Payload to broadcast"
// @Success 200 {object} APIRestRespBroadcast "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/broadcast [post]
func (h APIRestEngineHandler) BroadcastMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqPublish
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Request body did not pass validation"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.core.Broadcast(r.Context(), common.Payload{
		Data: params.Data, Metadata: params.Metadata,
	}, nil)
	if err != nil {
		msg := "Failed to broadcast payload"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBroadcast{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Delivered: delivered,
	}
}

// BroadcastMessageHandler Wrapper around BroadcastMessage
func (h APIRestEngineHandler) BroadcastMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastMessage(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespAllConnections response for listing all connections
type APIRestRespAllConnections struct {
	goutils.RestAPIBaseResponse
	// Connections the set of connection details mapped against their IDs
	Connections map[string]registry.Connection `json:"connections"`
}

// GetAllConnections godoc
// @Summary Query for info on all connections
// @Description Query for the details of all currently active connections
// @tags Engine
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllConnections "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connection [get]
func (h APIRestEngineHandler) GetAllConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespAllConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connections: h.core.ListConnections(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllConnectionsHandler Wrapper around GetAllConnections
func (h APIRestEngineHandler) GetAllConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllConnections(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneConnection response for fetching one connection
type APIRestRespOneConnection struct {
	goutils.RestAPIBaseResponse
	// Connection the connection details
	Connection registry.Connection `json:"connection"`
}

// GetConnection godoc
// @Summary Query for info on one connection
// @Description Query for the details of one connection
// @tags Engine
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} APIRestRespOneConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connectionID} [get]
func (h APIRestEngineHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connectionID, ok := vars["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	conn, found := h.core.GetConnection(connectionID)
	if !found {
		msg := "Unknown connection"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connection: conn,
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestEngineHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespCloseConnection response for closing one connection
type APIRestRespCloseConnection struct {
	goutils.RestAPIBaseResponse
	// RemovedSubscriptions the subscription IDs removed by the cascade
	RemovedSubscriptions []string `json:"removed_subscriptions"`
}

// CloseConnection godoc
// @Summary Close one connection
// @Description Close a connection, cascading removal of its subscriptions
// @tags Engine
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} APIRestRespCloseConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connectionID} [delete]
func (h APIRestEngineHandler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connectionID, ok := vars["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	removed, err := h.core.CloseConnection(r.Context(), connectionID)
	if err != nil {
		msg := "Failed to close connection"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespCloseConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, RemovedSubscriptions: removed,
	}
}

// CloseConnectionHandler Wrapper around CloseConnection
func (h APIRestEngineHandler) CloseConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CloseConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespStats response for fetching the engine stats
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Stats the engine counters and gauges
	Stats health.Stats `json:"stats"`
	// Topics the topics which currently have subscribers
	Topics []string `json:"topics"`
}

// GetStats godoc
// @Summary Query for engine statistics
// @Description Query for the engine's current counters and gauges
// @tags Engine
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStats "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestEngineHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: h.core.GetStats(), Topics: h.core.Topics(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestEngineHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespHealth response for the engine health check
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// Health the health check report
	Health health.Report `json:"health"`
}

// GetHealth godoc
// @Summary Query for engine health
// @Description Evaluate engine health against the configured thresholds
// @tags Engine
// @Produce json
// @Param Subrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 503 {object} APIRestRespHealth "engine unhealthy"
// @Header 200,503 {string} Subrelay-Request-ID "Request ID to match against logs"
// @Router /v1/health [get]
func (h APIRestEngineHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	report := h.core.HealthCheck(r.Context())
	respCode := http.StatusOK
	if !report.Healthy {
		respCode = http.StatusServiceUnavailable
	}
	resp := APIRestRespHealth{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: report.Healthy, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Health: report,
	}
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetHealthHandler Wrapper around GetHealth
func (h APIRestEngineHandler) GetHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetHealth(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate REST API module is live
// @tags Engine
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestEngineHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEngineHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the engine is running and healthy
// @tags Engine
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestEngineHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.core.HealthCheck(r.Context()).Healthy {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestEngineHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
