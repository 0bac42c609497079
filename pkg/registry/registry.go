// Copyright 2024 The roOs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry provides an open-addressed hash table keyed by
// address-sized integers. It backs the futex registry, mapping a futex's
// physical identity to its live wait state.
//
// Removal leaves a tombstone (graveyard entry) so that probe chains stay
// intact; the table compacts in place when the graveyard grows past its
// factor and doubles when the total load passes the load factor.
//
// Tables are not thread safe; the owner serializes access.
package registry

import (
	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/log"
)

// FNV-1a parameters for 64 bit hashes.
const (
	fnvOffsetBasis = 14695981039346656037
	fnvPrime       = 1099511628211
)

// Options configures a Table.
type Options struct {
	// InitialCapacity is the starting slot count. Must be a power of two.
	InitialCapacity int

	// MaxLoadFactor is the fraction of live plus graveyard entries above
	// which the table doubles. Must be strictly less than 1.0 so that every
	// probe chain terminates on an empty slot.
	MaxLoadFactor float64

	// MaxGraveyardFactor is the fraction of graveyard entries above which
	// the table compacts in place.
	MaxGraveyardFactor float64
}

// DefaultOptions returns the kernel default table geometry.
func DefaultOptions() Options {
	return Options{
		InitialCapacity:    16,
		MaxLoadFactor:      0.7,
		MaxGraveyardFactor: 0.3,
	}
}

type entry struct {
	key   uintptr
	value any

	// used distinguishes a live entry from a tombstone.
	used bool
}

// Table is an open-addressed uintptr-keyed hash table.
type Table struct {
	entries   []*entry
	size      int
	graveyard int
	opts      Options
}

// New creates an empty table.
func New(opts Options) (*Table, error) {
	if opts.InitialCapacity <= 0 ||
		opts.InitialCapacity&(opts.InitialCapacity-1) != 0 {
		return nil, kernelerr.IncorrectValue
	}
	if opts.MaxLoadFactor <= 0 || opts.MaxLoadFactor >= 1.0 {
		return nil, kernelerr.IncorrectValue
	}
	if opts.MaxGraveyardFactor <= 0 || opts.MaxGraveyardFactor >= opts.MaxLoadFactor {
		return nil, kernelerr.IncorrectValue
	}
	return &Table{
		entries: make([]*entry, opts.InitialCapacity),
		opts:    opts,
	}, nil
}

// hash computes the FNV-1a hash of the key bytes.
func hash(key uintptr) uint64 {
	h := uint64(fnvOffsetBasis)
	for i := 0; i < 8; i++ {
		h ^= uint64(byte(key >> (i * 8)))
		h *= fnvPrime
	}
	return h
}

// Len returns the number of live entries.
func (t *Table) Len() int { return t.size }

// Capacity returns the current slot count.
func (t *Table) Capacity() int { return len(t.entries) }

// Graveyard returns the number of tombstones.
func (t *Table) Graveyard() int { return t.graveyard }

// Get returns the value stored for key.
func (t *Table) Get(key uintptr) (any, bool) {
	idx := hash(key) & uint64(len(t.entries)-1)

	// The load factor is strictly below 1.0, so at least one slot is nil and
	// the probe always terminates.
	for t.entries[idx] != nil {
		if t.entries[idx].key == key && t.entries[idx].used {
			return t.entries[idx].value, true
		}
		idx = (idx + 1) & uint64(len(t.entries)-1)
	}
	return nil, false
}

// Set stores value for key, creating or replacing the entry.
func (t *Table) Set(key uintptr, value any) error {
	if float64(len(t.entries))*t.opts.MaxLoadFactor < float64(t.size+t.graveyard) {
		if err := t.rehash(2); err != nil {
			return err
		}
	}

	idx := hash(key) & uint64(len(t.entries)-1)
	for t.entries[idx] != nil && t.entries[idx].used {
		if t.entries[idx].key == key {
			t.entries[idx].value = value
			return nil
		}
		idx = (idx + 1) & uint64(len(t.entries)-1)
	}

	if t.entries[idx] == nil {
		t.entries[idx] = &entry{}
		t.size++
	} else {
		// Reusing a tombstone.
		t.graveyard--
		t.size++
	}

	t.entries[idx].key = key
	t.entries[idx].value = value
	t.entries[idx].used = true

	return nil
}

// Remove deletes the entry for key and returns its value. The slot becomes a
// tombstone so that colliding entries stay reachable.
func (t *Table) Remove(key uintptr) (any, bool) {
	if float64(len(t.entries))*t.opts.MaxGraveyardFactor < float64(t.graveyard) {
		// Growth factor 1 keeps the capacity and only compacts.
		if err := t.rehash(1); err != nil {
			return nil, false
		}
	}

	idx := hash(key) & uint64(len(t.entries)-1)
	for t.entries[idx] != nil {
		if t.entries[idx].key == key && t.entries[idx].used {
			value := t.entries[idx].value
			t.entries[idx].value = nil
			t.entries[idx].used = false
			t.graveyard++
			t.size--
			return value, true
		}
		idx = (idx + 1) & uint64(len(t.entries)-1)
	}
	return nil, false
}

// rehash rebuilds the table with capacity scaled by growth, dropping
// tombstones and probe-chain fragmentation on the way.
func (t *Table) rehash(growth int) error {
	newCapacity := len(t.entries) * growth
	if newCapacity < len(t.entries) {
		return kernelerr.OutOfBound
	}

	old := t.entries
	t.entries = make([]*entry, newCapacity)
	t.size = 0
	t.graveyard = 0

	for _, e := range old {
		if e == nil || !e.used {
			continue
		}
		idx := hash(e.key) & uint64(len(t.entries)-1)
		for t.entries[idx] != nil {
			idx = (idx + 1) & uint64(len(t.entries)-1)
		}
		t.entries[idx] = e
		t.size++
	}

	log.Debugf("registry rehashed: capacity %d -> %d, %d live entries",
		len(old), newCapacity, t.size)

	return nil
}
