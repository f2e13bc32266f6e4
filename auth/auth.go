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

package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
)

// UserContext the authenticated identity attached to a connection
type UserContext struct {
	// UserID the authenticated user, nil for anonymous access
	UserID *string `json:"user_id,omitempty"`
	// AllowedTopics topic patterns the user may subscribe to. A trailing '*'
	// matches any suffix; empty means no topic restriction.
	AllowedTopics []string `json:"allowed_topics,omitempty"`
}

// Authenticator validates connection credentials and authorizes topic access
type Authenticator interface {
	// Authenticate resolve a credential into a user context
	Authenticate(ctxt context.Context, credential string) (UserContext, error)
	// Authorize whether the user may subscribe to the topic
	Authorize(ctxt context.Context, user UserContext, topic string) error
}

// DefineAuthenticator create the authenticator matching the config
func DefineAuthenticator(config common.AuthConfig) (Authenticator, error) {
	switch config.Mode {
	case "none":
		return &allowAllAuthenticator{}, nil
	case "static":
		return defineStaticTokenAuthenticator(config)
	default:
		return nil, fmt.Errorf("unknown authentication mode '%s'", config.Mode)
	}
}

// allowAllAuthenticator accepts every credential as anonymous access
type allowAllAuthenticator struct{}

// Authenticate resolve a credential into a user context
func (a *allowAllAuthenticator) Authenticate(
	_ context.Context, _ string,
) (UserContext, error) {
	return UserContext{}, nil
}

// Authorize whether the user may subscribe to the topic
func (a *allowAllAuthenticator) Authorize(_ context.Context, _ UserContext, _ string) error {
	return nil
}

// staticTokenAuthenticator resolves credentials against a fixed token table
type staticTokenAuthenticator struct {
	common.Component
	tokens map[string]UserContext
}

func defineStaticTokenAuthenticator(config common.AuthConfig) (Authenticator, error) {
	if len(config.Tokens) == 0 {
		return nil, fmt.Errorf("static authentication requires at least one token")
	}
	logTags := log.Fields{
		"module": "auth", "component": "static-token",
	}
	tokens := make(map[string]UserContext, len(config.Tokens))
	for _, entry := range config.Tokens {
		userID := entry.UserID
		tokens[entry.Token] = UserContext{
			UserID: &userID, AllowedTopics: entry.Topics,
		}
	}
	return &staticTokenAuthenticator{
		Component: common.Component{LogTags: logTags}, tokens: tokens,
	}, nil
}

// Authenticate resolve a credential into a user context
func (a *staticTokenAuthenticator) Authenticate(
	ctxt context.Context, credential string,
) (UserContext, error) {
	localLogTags := common.UpdateLogTags(ctxt, a.LogTags)
	if credential == "" {
		return UserContext{}, common.ErrAuthenticationRequired
	}
	user, ok := a.tokens[credential]
	if !ok {
		log.WithFields(localLogTags).Warn("Rejecting unknown credential")
		return UserContext{}, common.ErrAuthorizationDenied
	}
	return user, nil
}

// Authorize whether the user may subscribe to the topic
func (a *staticTokenAuthenticator) Authorize(
	ctxt context.Context, user UserContext, topic string,
) error {
	if len(user.AllowedTopics) == 0 {
		return nil
	}
	for _, pattern := range user.AllowedTopics {
		if topicMatchesPattern(topic, pattern) {
			return nil
		}
	}
	localLogTags := common.UpdateLogTags(ctxt, a.LogTags)
	log.WithFields(localLogTags).Warnf("Denying subscribe on %s", topic)
	return common.ErrAuthorizationDenied
}

// topicMatchesPattern exact match, or prefix match when the pattern ends in '*'
func topicMatchesPattern(topic, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return topic == pattern
}
