// Package registry implements the handler registry called for in spec
// section 9's design notes ("Symbolic callables"): instead of resolving a
// callable by runtime reflection, the application registers a named handler
// at startup and a timer row stores only the handler's name plus an opaque
// argument blob.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is invoked with the raw argument payload of a fired timer; the
// executor does not decode it, so a handler that wants a typed value decodes
// args itself (for example with Registry.Unmarshal). It must catch its own
// faults; any error it returns is reported by the executor as an
// ExecutorFault and never propagates to the dispatcher.
type Handler func(ctx context.Context, args []byte) error

// Codec serializes/deserializes the opaque argument payload. The store
// treats the result as bytes; only the registry interprets it.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec is the default Codec, used whenever a handler's argument type is
// representable in JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Registry maps (module, function) pairs to handlers. Module is a free-form
// namespace (e.g. an application or package name); function is the handler
// name within it. Both are carried verbatim on the Timer row and never
// interpreted by the scheduler core.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	codec    Codec
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler), codec: JSONCodec{}}
}

// SetCodec overrides the default JSON codec.
func (r *Registry) SetCodec(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec = c
}

func key(module, function string) string { return module + "\x00" + function }

// Register associates a (module, function) pair with a handler. Registering
// the same pair twice replaces the previous handler.
func (r *Registry) Register(module, function string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(module, function)] = h
}

// ErrHandlerNotFound is returned by Lookup when no handler was registered
// for the given (module, function) pair.
type ErrHandlerNotFound struct{ Module, Function string }

func (e *ErrHandlerNotFound) Error() string {
	return fmt.Sprintf("registry: no handler registered for %s.%s", e.Module, e.Function)
}

// Lookup resolves a handler by (module, function).
func (r *Registry) Lookup(module, function string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key(module, function)]
	if !ok {
		return nil, &ErrHandlerNotFound{Module: module, Function: function}
	}
	return h, nil
}

// Marshal encodes v with the configured codec, for callers constructing a
// timer's argument payload.
func (r *Registry) Marshal(v interface{}) ([]byte, error) {
	r.mu.RLock()
	c := r.codec
	r.mu.RUnlock()
	return c.Marshal(v)
}

// Unmarshal decodes data with the configured codec into v.
func (r *Registry) Unmarshal(data []byte, v interface{}) error {
	r.mu.RLock()
	c := r.codec
	r.mu.RUnlock()
	return c.Unmarshal(data, v)
}
