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

package common

import (
	"context"
	"regexp"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags returns a new Apex log.Fields map merging the component tags with
// any request parameters recorded in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	result := log.Fields{}
	for field, value := range original {
		result[field] = value
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		result["request_id"] = param.ID
		result["request_method"] = param.Method
		result["request_uri"] = param.URI
	}
	return result
}

var topicNameMatcher = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]*$`)

// ValidateTopicName verify the topic name is well formed
func ValidateTopicName(topic string) error {
	if len(topic) == 0 || len(topic) > 256 {
		return ErrMalformedTopic
	}
	if !topicNameMatcher.MatchString(topic) {
		return ErrMalformedTopic
	}
	return nil
}
