// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package options contains option bundles: ordered sets of named option values
// that can be retrieved from one component and fed into another one.
package options

import (
	"errors"
	"fmt"

	yaml "gopkg.in/yaml.v2"
)

var (
	// ErrUnknownOption is returned when an option name is not recognized
	ErrUnknownOption = errors.New("Unknown option")
	// ErrInvalidValue is returned when an option value has the wrong type or is out of range
	ErrInvalidValue = errors.New("Invalid option value")
	// ErrNotFound is returned when a store has no bundle for an ID
	ErrNotFound = errors.New("Options not found")
)

// Target is a component that accepts options
type Target interface {
	SetOption(name string, value interface{}) error
}

// Bundle is an ordered set of option values. A value can be another *Bundle.
type Bundle struct {
	keys   []string
	values map[string]interface{}
}

// NewBundle returns an empty Bundle
func NewBundle() *Bundle {
	return &Bundle{values: make(map[string]interface{})}
}

// Add an option to the bundle. Adding an existing name replaces its value but keeps its position.
func (b *Bundle) Add(name string, value interface{}) error {
	if name == "" || value == nil {
		return ErrInvalidValue
	}
	if _, ok := b.values[name]; !ok {
		b.keys = append(b.keys, name)
	}
	b.values[name] = value
	return nil
}

// Get an option from the bundle
func (b *Bundle) Get(name string) (value interface{}, ok bool) {
	if b == nil {
		return nil, false
	}
	value, ok = b.values[name]
	return
}

// Keys returns the option names in insertion order
func (b *Bundle) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	return keys
}

// Len returns the number of options in the bundle
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// FeedInto sets every option of the bundle on the target, in order. It stops at the first error.
func (b *Bundle) FeedInto(target Target) error {
	if b == nil || target == nil {
		return ErrInvalidValue
	}
	for _, name := range b.keys {
		if err := target.SetOption(name, b.values[name]); err != nil {
			return err
		}
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (b *Bundle) MarshalYAML() (interface{}, error) {
	out := make(yaml.MapSlice, 0, len(b.keys))
	for _, name := range b.keys {
		out = append(out, yaml.MapItem{Key: name, Value: b.values[name]})
	}
	return out, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Nested maps become nested bundles.
func (b *Bundle) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in yaml.MapSlice
	if err := unmarshal(&in); err != nil {
		return err
	}
	*b = *fromMapSlice(in)
	return nil
}

func fromMapSlice(in yaml.MapSlice) *Bundle {
	b := NewBundle()
	for _, item := range in {
		name := fmt.Sprint(item.Key)
		value := item.Value
		if nested, ok := value.(yaml.MapSlice); ok {
			value = fromMapSlice(nested)
		}
		b.Add(name, value)
	}
	return b
}
