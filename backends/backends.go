// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the Tensor capability a SameDiff graph executes on: the set of element-wise,
// reduction, shape and linear-algebra kernels that compute the output of one op from the values of its
// inputs.
//
// The graph engine only decides what runs and in which order; a Backend decides how. Backends register
// themselves with Register during package initialization, and New picks one using the $SAMEDIFF_BACKEND
// environment variable.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/samediff/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Backend is the API that needs to be implemented by a SameDiff backend.
//
// Implementations must be stateless with respect to graphs: one Backend can be shared by any number of
// SameDiff contexts, and Exec can be called concurrently for ops writing to distinct outputs.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns the set of operations supported by the backend.
	Capabilities() Capabilities

	// Exec computes op over the inputs, writing the result into output, which is already allocated
	// with the op's output shape.
	Exec(op Op, inputs []*tensors.Tensor, output *tensors.Tensor) error
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	names := maps.Keys(registeredConstructors)
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// SAMEDIFF_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const SAMEDIFF_BACKEND = "SAMEDIFF_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment SAMEDIFF_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(SAMEDIFF_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewOrErr is like New, but returns an error instead of panicking.
func NewOrErr() (backend Backend, err error) {
	err = exceptions.TryCatch[error](func() { backend = New() })
	if err != nil {
		err = errors.WithMessage(err, "failed to create backend")
	}
	return
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and "<backend_configuration>"
// is backend specific. A configuration without ":" is taken as a backend name.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for SameDiff, maybe import the default one with import _ "github.com/gomlx/samediff/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
