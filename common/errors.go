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

import "errors"

// Error taxonomy of the subscription engine.
//
// Only whole-call setup failures are ever returned from the public engine
// operations. Per-subscriber failures during a fan-out stay contained within
// that fan-out; they surface through delivery counts and error metrics alone.
var (
	// ErrAuthenticationRequired the caller presented no usable credentials
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthorizationDenied the caller is not allowed to subscribe to the topic
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrCapacityExceeded the registry is already at its max connection count
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrConnectionNotFound the referenced connection is unknown or already closed
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSubscriptionNotFound the referenced subscription is unknown
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrConnectionInactive delivery was attempted against a closed connection
	ErrConnectionInactive = errors.New("connection inactive")

	// ErrMalformedTopic the topic name is not usable
	ErrMalformedTopic = errors.New("malformed topic name")

	// ErrNotRunning the engine event loop has not been started
	ErrNotRunning = errors.New("engine not running")
)
