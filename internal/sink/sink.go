// Package sink defines where a flow delivers its text and the registry that
// builds sinks by name.
package sink

//go:generate mockgen -package mocks -destination mocks/mock_sink.go dutybot/internal/sink Sink

import (
	"context"
	"encoding/json"
	"net/http"

	"dutybot/internal/registry"
	logx "dutybot/pkg/logx"
)

// Message is one notification.
type Message struct {
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

// Sink delivers a message once. Implementations do not retry.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Deps are handed to every sink constructor.
type Deps struct {
	Logger logx.Logger
	// HTTPClient is used by sinks that speak HTTP. Nil means a client with
	// the sink's own timeout.
	HTTPClient *http.Client
}

var reg = registry.New[Sink, Deps]("sink")

// Register adds a sink constructor. Call it from an init function.
func Register(name string, ctor registry.Constructor[Sink, Deps]) { reg.Register(name, ctor) }

// Resolve builds the sink registered under name.
func Resolve(name string, raw json.RawMessage, deps Deps) (Sink, error) {
	return reg.Resolve(name, raw, deps)
}

func Names() []string { return reg.Names() }
