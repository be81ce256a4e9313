// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package options

import (
	"sync"

	yaml "gopkg.in/yaml.v2"
	redis "gopkg.in/redis.v5"
)

// Store persists option bundles per device
type Store interface {
	Save(deviceID string, bundle *Bundle) error
	Load(deviceID string) (*Bundle, error)
	Delete(deviceID string) error
}

// Marshal a bundle to YAML
func Marshal(bundle *Bundle) ([]byte, error) {
	return yaml.Marshal(bundle)
}

// Unmarshal a bundle from YAML
func Unmarshal(data []byte) (*Bundle, error) {
	bundle := NewBundle()
	if err := yaml.Unmarshal(data, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// NewMemory returns a Store that keeps bundles in memory
func NewMemory() Store {
	return &memoryStore{bundles: make(map[string][]byte)}
}

type memoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
}

func (m *memoryStore) Save(deviceID string, bundle *Bundle) error {
	data, err := Marshal(bundle)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[deviceID] = data
	return nil
}

func (m *memoryStore) Load(deviceID string) (*Bundle, error) {
	m.mu.RLock()
	data, ok := m.bundles[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(data)
}

func (m *memoryStore) Delete(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bundles, deviceID)
	return nil
}

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "device:options:"

// NewRedis returns a Store with a Redis backend
func NewRedis(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

type redisStore struct {
	prefix string
	client *redis.Client
}

func (r *redisStore) Save(deviceID string, bundle *Bundle) error {
	data, err := Marshal(bundle)
	if err != nil {
		return err
	}
	return r.client.Set(r.prefix+deviceID, data, 0).Err()
}

func (r *redisStore) Load(deviceID string) (*Bundle, error) {
	data, err := r.client.Get(r.prefix + deviceID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (r *redisStore) Delete(deviceID string) error {
	return r.client.Del(r.prefix + deviceID).Err()
}
