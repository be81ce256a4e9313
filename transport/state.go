// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package transport

import (
	"github.com/apex/log"
	redis "gopkg.in/redis.v5"
)

type deviceRegistry interface {
	// Adds an element to the set. Returns whether
	// the item was added.
	Add(i interface{}) bool

	// Returns whether the given items
	// are all in the set.
	Contains(i ...interface{}) bool

	// Remove a single element from the set.
	Remove(i interface{})

	// Returns the number of elements in the set.
	Cardinality() int

	// Returns the members of the set as a slice.
	ToSlice() []interface{}
}

// DefaultRedisStateKey is used as key when no key is given
var DefaultRedisStateKey = "transport:devices"

// InitRedisState persists the IDs of registered devices in Redis and returns
// the IDs that were registered when the transport last ran. It must be called before Start.
func (t *Transport) InitRedisState(client *redis.Client, key string) (deviceIDs []string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key == "" {
		key = DefaultRedisStateKey
	}
	deviceIDs, err = client.SMembers(key).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range deviceIDs {
		t.registry.Add(id)
	}
	t.registry = &registryWithRedisPersistence{
		deviceRegistry: t.registry,
		client:         client,
		key:            key,
		ctx:            t.ctx,
	}
	return deviceIDs, nil
}

type registryWithRedisPersistence struct {
	key    string
	client *redis.Client
	ctx    log.Interface
	deviceRegistry
}

func (s *registryWithRedisPersistence) Add(i interface{}) bool {
	added := s.deviceRegistry.Add(i)
	if added {
		if err := s.client.SAdd(s.key, i).Err(); err != nil {
			s.ctx.WithField("DeviceID", i).WithError(err).Warn("Could not persist registration")
		}
	}
	return added
}

func (s *registryWithRedisPersistence) Remove(i interface{}) {
	s.deviceRegistry.Remove(i)
	if err := s.client.SRem(s.key, i).Err(); err != nil {
		s.ctx.WithField("DeviceID", i).WithError(err).Warn("Could not persist removal")
	}
}
