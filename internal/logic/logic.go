// Package logic is the seam between the Server's control plumbing and
// game logic.  Handlers are resolved by version from a Registry; when
// the requested version cannot be loaded the Registry falls back to
// the built-in default so a broken build never leaves players without
// a Server.
package logic

import (
	"fmt"
	"sort"
	"sync"

	"mudgate/internal/envelope"
	"mudgate/internal/session"
)

// Output is what a handler may do to sessions.  The Server implements
// it; every call becomes an outbound envelope.
type Output interface {
	Send(sessionID, text string) error
	SendOOB(sessionID, cmd string, args []any, kwargs map[string]any) error
	Kick(sessionID, reason string) error
	SetAuth(sessionID, token string) error
	SetPuppet(sessionID, token string) error
}

// Handler is one version of game logic.  The Server calls it from its
// single dispatcher goroutine, in arrival order.
type Handler interface {
	Version() string
	// Connect is called for a new session, and again with resumed set
	// for every portal-sync session whose CONNECT was already accepted.
	Connect(out Output, s session.Info, resumed bool) error
	Message(out Output, s session.Info, m envelope.Message) error
	Disconnect(out Output, s session.Info, reason string) error
}

// Factory builds a Handler.  An error means this version cannot be
// loaded.
type Factory func() (Handler, error)

// DefaultVersion names the built-in handler.
const DefaultVersion = "echo"

// Registry maps version names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  string
}

// NewRegistry returns a registry holding the built-in echo handler as
// its fallback.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory), fallback: DefaultVersion}
	r.factories[DefaultVersion] = func() (Handler, error) { return NewEcho(), nil }
	return r
}

// Register adds or replaces a version.
func (r *Registry) Register(version string, f Factory) error {
	if version == "" || f == nil {
		return fmt.Errorf("logic: register needs a version and a factory")
	}
	r.mu.Lock()
	r.factories[version] = f
	r.mu.Unlock()
	return nil
}

// SetFallback selects the version Resolve falls back to.
func (r *Registry) SetFallback(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[version]; !ok {
		return fmt.Errorf("logic: unknown fallback version %q", version)
	}
	r.fallback = version
	return nil
}

// Versions lists the registered versions, sorted.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Resolve loads version.  An empty version selects the fallback.  When
// version is unknown or its factory fails, Resolve returns the
// fallback handler together with the load error so the caller can log
// it; the handler is never nil.
func (r *Registry) Resolve(version string) (Handler, error) {
	r.mu.RLock()
	fallback := r.fallback
	f, ok := r.factories[version]
	fb := r.factories[fallback]
	r.mu.RUnlock()

	if version == "" {
		version, f, ok = fallback, fb, true
	}

	var loadErr error
	if !ok {
		loadErr = fmt.Errorf("logic: unknown version %q", version)
	} else {
		h, err := safeBuild(f)
		if err == nil {
			return h, nil
		}
		loadErr = fmt.Errorf("logic: load %q: %w", version, err)
	}

	if version != fallback {
		if h, err := safeBuild(fb); err == nil {
			return h, loadErr
		}
	}
	return NewEcho(), loadErr
}

func safeBuild(f Factory) (h Handler, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()
	h, err = f()
	if err == nil && h == nil {
		err = fmt.Errorf("factory returned no handler")
	}
	return h, err
}
