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

// Package config holds the build-time tunables of the synchronization core.
//
// Tunables ship with kernel defaults and may be overridden from a YAML
// fragment, typically embedded in the platform configuration.
package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
)

// Tunables groups the adjustable constants of the synchronization core.
type Tunables struct {
	// MaxWaitersPerFutex bounds the number of threads that may be queued on
	// a single futex identity. Additional waiters fail with NoMoreMemory.
	MaxWaitersPerFutex int `yaml:"max-waiters-per-futex"`

	// MaxMutexRecursion bounds the recursion depth of a recursive mutex.
	MaxMutexRecursion uint32 `yaml:"max-mutex-recursion"`

	// RegistryInitialCapacity is the initial capacity of the futex registry
	// table. Must be a power of two.
	RegistryInitialCapacity int `yaml:"registry-initial-capacity"`

	// RegistryMaxLoadFactor is the load (entries plus graveyard) above which
	// the registry doubles its capacity. Must be strictly less than 1.0.
	RegistryMaxLoadFactor float64 `yaml:"registry-max-load-factor"`

	// RegistryMaxGraveyardFactor is the tombstone load above which the
	// registry compacts in place.
	RegistryMaxGraveyardFactor float64 `yaml:"registry-max-graveyard-factor"`

	// LogLevel selects the process log level: 0 warning, 1 info, 2 debug.
	LogLevel uint32 `yaml:"log-level"`
}

// Default returns the kernel default tunables.
func Default() Tunables {
	return Tunables{
		MaxWaitersPerFutex:         4096,
		MaxMutexRecursion:          ^uint32(0),
		RegistryInitialCapacity:    16,
		RegistryMaxLoadFactor:      0.7,
		RegistryMaxGraveyardFactor: 0.3,
		LogLevel:                   1,
	}
}

// validate checks tunable consistency.
func (t *Tunables) validate() error {
	if t.MaxWaitersPerFutex <= 0 {
		return kernelerr.IncorrectValue
	}
	if t.RegistryInitialCapacity <= 0 ||
		t.RegistryInitialCapacity&(t.RegistryInitialCapacity-1) != 0 {
		return kernelerr.IncorrectValue
	}
	if t.RegistryMaxLoadFactor <= 0 || t.RegistryMaxLoadFactor >= 1.0 {
		return kernelerr.IncorrectValue
	}
	if t.RegistryMaxGraveyardFactor <= 0 ||
		t.RegistryMaxGraveyardFactor >= t.RegistryMaxLoadFactor {
		return kernelerr.IncorrectValue
	}
	return nil
}

// Parse overlays a YAML fragment on top of the defaults and returns the
// resulting tunables.
func Parse(data []byte) (Tunables, error) {
	t := Default()
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return Tunables{}, kernelerr.IncorrectValue
	}
	if err := t.validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// Load reads and parses a tunables file.
func Load(path string) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, kernelerr.IncorrectValue
	}
	return Parse(data)
}
