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
	"testing"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestAllowAllAuthenticator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	uut, err := DefineAuthenticator(common.AuthConfig{Mode: "none"})
	assert.Nil(err)

	// Case 0: any credential, including none, resolves to anonymous access
	user, err := uut.Authenticate(utCtxt, "")
	assert.Nil(err)
	assert.Nil(user.UserID)
	user, err = uut.Authenticate(utCtxt, "whatever")
	assert.Nil(err)
	assert.Nil(user.UserID)

	// Case 1: every topic is authorized
	assert.Nil(uut.Authorize(utCtxt, user, "orders"))
}

func TestStaticTokenAuthenticator(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()

	// Case 0: static mode without tokens is rejected
	_, err := DefineAuthenticator(common.AuthConfig{Mode: "static"})
	assert.NotNil(err)

	// Case 1: unknown mode is rejected
	_, err = DefineAuthenticator(common.AuthConfig{Mode: "oauth"})
	assert.NotNil(err)

	uut, err := DefineAuthenticator(common.AuthConfig{
		Mode: "static",
		Tokens: []common.StaticTokenConfig{
			{Token: "token-alpha", UserID: "alpha", Topics: []string{"orders", "payments.*"}},
			{Token: "token-beta", UserID: "beta"},
		},
	})
	assert.Nil(err)

	// Case 2: missing credential
	_, err = uut.Authenticate(utCtxt, "")
	assert.ErrorIs(err, common.ErrAuthenticationRequired)

	// Case 3: unknown credential
	_, err = uut.Authenticate(utCtxt, "token-gamma")
	assert.ErrorIs(err, common.ErrAuthorizationDenied)

	// Case 4: known credential resolves the user
	alpha, err := uut.Authenticate(utCtxt, "token-alpha")
	assert.Nil(err)
	assert.Equal("alpha", *alpha.UserID)

	// Case 5: exact and prefix topic patterns
	assert.Nil(uut.Authorize(utCtxt, alpha, "orders"))
	assert.Nil(uut.Authorize(utCtxt, alpha, "payments.eu"))
	assert.ErrorIs(uut.Authorize(utCtxt, alpha, "orders.eu"), common.ErrAuthorizationDenied)
	assert.ErrorIs(uut.Authorize(utCtxt, alpha, "audit"), common.ErrAuthorizationDenied)

	// Case 6: a token without topic patterns has no restriction
	beta, err := uut.Authenticate(utCtxt, "token-beta")
	assert.Nil(err)
	assert.Nil(uut.Authorize(utCtxt, beta, "anything"))
}
