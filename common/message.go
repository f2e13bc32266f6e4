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

import "time"

// PayloadMetadata optional metadata accompanying a published payload.
//
// Source, Version, and CorrelationID are opaque strings carried through the
// engine unmodified.
type PayloadMetadata struct {
	// Timestamp when the payload was produced
	Timestamp time.Time `json:"timestamp"`
	// Source identifies the event producer
	Source string `json:"source,omitempty"`
	// Version producer defined payload schema version
	Version string `json:"version,omitempty"`
	// CorrelationID producer defined correlation marker
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Payload the envelope published against a topic
type Payload struct {
	// Data the event body
	Data interface{} `json:"data" validate:"required"`
	// Metadata optional payload metadata
	Metadata *PayloadMetadata `json:"metadata,omitempty"`
}

// Message the unit handed to the transport layer for delivery to one subscriber
type Message struct {
	// SubscriptionID the subscription this delivery is for
	SubscriptionID string `json:"subscription_id" validate:"required"`
	// Topic the topic the payload was published against
	Topic string `json:"topic" validate:"required"`
	// Payload the published payload after middleware transforms
	Payload Payload `json:"payload"`
	// SentAt when the engine dispatched the delivery
	SentAt time.Time `json:"sent_at"`
}
