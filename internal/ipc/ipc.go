// Package ipc implements the external contract surface (§6): a command
// dispatcher returning the stable {success, data?, error?} envelope, and the
// typed event names the tray UI and front-end subscribe to.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
	"github.com/tokenwatch/tokenwatch/internal/eventbus"
)

// Envelope is the stable response shape every command returns.
type Envelope struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the error half of an Envelope.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Ok builds a successful envelope carrying data.
func Ok(data any) Envelope { return Envelope{Success: true, Data: data} }

// Fail builds a failed envelope from err, unwrapping a *apierrors.PluginError
// to preserve its taxonomy code, or falling back to UNKNOWN.
func Fail(err error) Envelope {
	if pe, ok := err.(*apierrors.PluginError); ok {
		return Envelope{Success: false, Error: &EnvelopeError{Code: pe.Type, Message: pe.Message, Details: pe.Details}}
	}
	return Envelope{Success: false, Error: &EnvelopeError{Code: apierrors.CodeUnknown, Message: err.Error()}}
}

// Handler processes one command's raw JSON params and returns a result value
// (marshaled into Envelope.Data) or an error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Stable IPC event topic names (§6), published on the shared event bus.
const (
	EventPluginInstalled    = "ipc:plugin_installed"
	EventPluginUninstalled  = "ipc:plugin_uninstalled"
	EventPluginUpdated      = "ipc:plugin_updated"
	EventPluginDataUpdated  = "ipc:plugin_data_updated"
	EventPluginError        = "ipc:plugin_error"
	EventPluginHealthChanged = "ipc:plugin_health_changed"
)

// Dispatcher routes named commands to their Handler and normalizes every
// outcome into the stable envelope contract.
type Dispatcher struct {
	bus      *eventbus.Bus
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher publishing events on bus.
func NewDispatcher(bus *eventbus.Bus) *Dispatcher {
	return &Dispatcher{bus: bus, handlers: make(map[string]Handler)}
}

// Register binds name to handler. Registering the same name twice is a
// programmer error and panics, since the command surface is a fixed,
// stable contract assembled once at startup.
func (d *Dispatcher) Register(name string, handler Handler) {
	if _, exists := d.handlers[name]; exists {
		panic(fmt.Sprintf("ipc: command %q already registered", name))
	}
	d.handlers[name] = handler
}

// Dispatch invokes the handler bound to name with params, always returning
// an Envelope — never an error — so callers can serialize the result
// directly regardless of outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params json.RawMessage) Envelope {
	handler, ok := d.handlers[name]
	if !ok {
		return Fail(apierrors.Newf(apierrors.CodeUnknown, "unknown ipc command %q", name))
	}
	result, err := handler(ctx, params)
	if err != nil {
		return Fail(err)
	}
	return Ok(result)
}

// Emit publishes a typed IPC event on the bus, used instead of calling
// bus.Publish directly so the ipc: topic convention stays in one place.
func (d *Dispatcher) Emit(topic, pluginID string, data any) {
	d.bus.Publish(eventbus.Event{Topic: topic, PluginID: pluginID, Data: data})
}

// EmitPluginError publishes ipc:plugin_error{id, error} when a background
// plugin invocation fails, per §7's user-visible behavior.
func (d *Dispatcher) EmitPluginError(pluginID string, err error) {
	env := Fail(err)
	d.Emit(EventPluginError, pluginID, map[string]any{"id": pluginID, "error": env.Error})
}
