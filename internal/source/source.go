// Package source defines what a flow reads from and the registry that
// builds sources by name.
package source

import (
	"encoding/json"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/registry"
	logx "dutybot/pkg/logx"
)

// Output is the text a source produced for one trigger.
type Output struct {
	Content string
	Title   string
}

// Source produces the current text. It never fails: problems are reported
// in the returned text itself.
type Source interface {
	Produce(now time.Time, needTitle bool) Output
}

// Ingester is implemented by sources that accept uploaded files.
// Handle reports whether the data was accepted.
type Ingester interface {
	Handle(data []byte) bool
}

// Snapshotter is implemented by sources that expose their state read-only.
type Snapshotter interface {
	Snapshot() any
}

// Deps are handed to every source constructor.
type Deps struct {
	// Name is the flow id that owns the source.
	Name      string
	Logger    logx.Logger
	Bus       eventbus.Bus
	UploadURL string
}

var reg = registry.New[Source, Deps]("source")

// Register adds a source constructor. Call it from an init function.
func Register(name string, ctor registry.Constructor[Source, Deps]) { reg.Register(name, ctor) }

// Resolve builds the source registered under name.
func Resolve(name string, raw json.RawMessage, deps Deps) (Source, error) {
	return reg.Resolve(name, raw, deps)
}

func Names() []string { return reg.Names() }
