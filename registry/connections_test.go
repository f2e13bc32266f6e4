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

package registry

import (
	"testing"
	"time"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestConnectionRegistryBasics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineConnectionRegistry(4, time.Minute*5)
	assert.Nil(err)

	startTime := time.Now()

	// Case 0: empty registry
	assert.Equal(0, uut.ActiveCount())
	assert.Equal(0, uut.Peak())
	_, ok := uut.Get(uuid.New().String())
	assert.False(ok)

	// Case 1: register a connection
	conn1, err := uut.Register(ConnectionParams{}, startTime)
	assert.Nil(err)
	assert.NotEmpty(conn1.ID)
	assert.True(conn1.IsActive)
	assert.Equal(1, uut.ActiveCount())
	assert.Equal(1, uut.Peak())

	// Case 2: register with caller provided ID and user
	userID := "unit-tester"
	conn2, err := uut.Register(
		ConnectionParams{ID: "conn-ut-2", UserID: &userID}, startTime,
	)
	assert.Nil(err)
	assert.Equal("conn-ut-2", conn2.ID)
	fetched, ok := uut.Get("conn-ut-2")
	assert.True(ok)
	assert.Equal(userID, *fetched.UserID)

	// Case 3: duplicate ID is rejected
	_, err = uut.Register(ConnectionParams{ID: "conn-ut-2"}, startTime)
	assert.NotNil(err)

	// Case 4: activity tracking
	later := startTime.Add(time.Second * 30)
	assert.True(uut.MarkActivity(conn1.ID, later))
	fetched, ok = uut.Get(conn1.ID)
	assert.True(ok)
	assert.Equal(later, fetched.LastActivity)
	assert.False(uut.MarkActivity(uuid.New().String(), later))

	// Case 5: subscription linkage
	assert.Nil(uut.LinkSubscription(conn1.ID, "sub-1"))
	assert.Nil(uut.LinkSubscription(conn1.ID, "sub-2"))
	assert.ErrorIs(
		uut.LinkSubscription(uuid.New().String(), "sub-3"), common.ErrConnectionNotFound,
	)
	fetched, ok = uut.Get(conn1.ID)
	assert.True(ok)
	assert.Len(fetched.SubscriptionIDs, 2)
	uut.UnlinkSubscription(conn1.ID, "sub-2")
	fetched, ok = uut.Get(conn1.ID)
	assert.True(ok)
	assert.Len(fetched.SubscriptionIDs, 1)

	// Case 6: close returns owned subscriptions, and is idempotent
	owned, closed := uut.Close(conn1.ID, later)
	assert.True(closed)
	assert.Equal([]string{"sub-1"}, owned)
	assert.Equal(1, uut.ActiveCount())
	_, closed = uut.Close(conn1.ID, later)
	assert.False(closed)
	_, ok = uut.Get(conn1.ID)
	assert.False(ok)

	// Peak survives the close
	assert.Equal(2, uut.Peak())
}

func TestConnectionRegistryCapacity(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineConnectionRegistry(2, time.Minute*5)
	assert.Nil(err)

	now := time.Now()

	// Case 0: fill the registry
	conn1, err := uut.Register(ConnectionParams{}, now)
	assert.Nil(err)
	_, err = uut.Register(ConnectionParams{}, now)
	assert.Nil(err)

	// Case 1: third registration is rejected
	_, err = uut.Register(ConnectionParams{}, now)
	assert.ErrorIs(err, common.ErrCapacityExceeded)

	// Case 2: closing one frees a slot
	_, closed := uut.Close(conn1.ID, now)
	assert.True(closed)
	_, err = uut.Register(ConnectionParams{}, now)
	assert.Nil(err)
}

func TestConnectionRegistryStaleness(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineConnectionRegistry(8, time.Minute)
	assert.Nil(err)

	startTime := time.Now()

	conn1, err := uut.Register(ConnectionParams{}, startTime)
	assert.Nil(err)
	conn2, err := uut.Register(
		ConnectionParams{InactivityTimeout: time.Minute * 10}, startTime,
	)
	assert.Nil(err)

	// Case 0: nothing stale yet
	assert.Empty(uut.StaleConnections(startTime.Add(time.Second * 30)))

	// Case 1: conn1 passes its default timeout, conn2 has a longer override
	stale := uut.StaleConnections(startTime.Add(time.Minute * 2))
	assert.Len(stale, 1)
	assert.Equal(conn1.ID, stale[0].ID)

	// Case 2: activity refresh clears the report
	assert.True(uut.MarkActivity(conn1.ID, startTime.Add(time.Minute*2)))
	assert.Empty(uut.StaleConnections(startTime.Add(time.Minute*2 + time.Second)))

	// Case 3: both eventually stale; registry never closes them on its own
	stale = uut.StaleConnections(startTime.Add(time.Hour))
	assert.Len(stale, 2)
	assert.Equal(2, uut.ActiveCount())
	_ = conn2

	// Case 4: average age reflects active connections
	avg := uut.AverageConnectionAge(startTime.Add(time.Minute * 4))
	assert.Equal(time.Minute*4, avg)
}
