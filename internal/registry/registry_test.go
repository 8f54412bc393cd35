package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type helloGreeter struct{ Name string }

func (h helloGreeter) Greet() string { return "hello " + h.Name }

func newHello(raw json.RawMessage, prefix string) (greeter, error) {
	var g helloGreeter
	if err := Decode(raw, &g); err != nil {
		return nil, err
	}
	g.Name = prefix + g.Name
	return g, nil
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := New[greeter, string]("greeter")
	r.Register(CanonicalName("HelloGreeter", "Greeter"), newHello)

	g, err := r.Resolve("HeLLo", json.RawMessage(`{"Name":"ops"}`), "team-")
	require.NoError(t, err)
	assert.Equal(t, "hello team-ops", g.Greet())

	g, err = r.Resolve("hello", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "hello ", g.Greet())
}

func TestResolveUnknown(t *testing.T) {
	r := New[greeter, string]("greeter")
	r.Register("hello", newHello)

	_, err := r.Resolve("bye", nil, "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "known: hello")
}

func TestResolveConstructorError(t *testing.T) {
	r := New[greeter, string]("greeter")
	r.Register("hello", newHello)

	_, err := r.Resolve("hello", json.RawMessage(`{"Nmae":"typo"}`), "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New[greeter, string]("greeter")
	r.Register("hello", newHello)
	assert.Panics(t, func() { r.Register("HELLO", newHello) })
	assert.Panics(t, func() { r.Register("", newHello) })
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "enze", CanonicalName("EnzeSource", "Source"))
	assert.Equal(t, "pushplus", CanonicalName("PushPlusSink", "Sink"))
	assert.Equal(t, "log", CanonicalName("LogSink", "Sink"))
}

func TestNamesSorted(t *testing.T) {
	r := New[greeter, string]("greeter")
	r.Register("b", newHello)
	r.Register("a", newHello)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}
