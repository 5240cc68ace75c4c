// Package registry holds the event type and handler registries.
//
// Registration is explicit: the dashboard wiring registers every event type
// and handler at startup and binds hooks by name. Resolution is by
// (event type, schema version id); exactly one handler must match.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// JSONExt is the only supported external payload extension.
const JSONExt = ".json"

// Hook runs synchronously after an event of its type is persisted.
type Hook func(ctx context.Context, ev ir.Event) error

// Input is what a transform sees: the event and its loaded payload.
type Input struct {
	Event ir.Event
	Data  ir.Object // nil when the event has no payload
}

// Transform is a handler's pure function from input to normalized record.
type Transform func(ctx context.Context, in Input) (ir.Object, error)

// EventType is a registered event type with its optional hook.
type EventType struct {
	ir.EventTypeSpec
	Hook Hook
}

// CheckRequired verifies that every required field is present. A
// "data.<key>" entry is looked up in the payload instead of attrs.
func (et EventType) CheckRequired(attrs, data ir.Object) error {
	for _, req := range et.Required {
		if key, ok := strings.CutPrefix(req, "data."); ok {
			if !data.Has(key) {
				return &ValidationError{
					Code:      ErrCodeMissingField,
					EventType: et.Name,
					Field:     req,
					Message:   "required payload field is missing",
				}
			}
			continue
		}
		if !attrs.Has(req) {
			return &ValidationError{
				Code:      ErrCodeMissingField,
				EventType: et.Name,
				Field:     req,
				Message:   "required attr is missing",
			}
		}
	}
	return nil
}

// Handler is one handler bound to one event type at one version.
type Handler struct {
	ID        string
	Name      string
	EventType string
	Version   string
	VersionID string
	Transform Transform
}

// Record returns the stored form of h.
func (h Handler) Record() ir.HandlerRecord {
	return ir.HandlerRecord{
		ID:        h.ID,
		Name:      h.Name,
		EventType: h.EventType,
		VersionID: h.VersionID,
	}
}

type slot struct {
	eventType string
	versionID string
}

// Registry maps event types and (event type, version) slots to their
// descriptors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	version   string
	versionID string
	events    map[string]*EventType
	handlers  map[slot][]Handler
	versions  map[string]string // version id -> version
}

// New creates an empty registry whose current schema version is version.
func New(version string) (*Registry, error) {
	if version == "" {
		return nil, &RegistrationError{Code: ErrCodeEmptyName, Message: "schema version is empty"}
	}
	id, err := ir.TagID(version)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &Registry{
		version:   version,
		versionID: id,
		events:    make(map[string]*EventType),
		handlers:  make(map[slot][]Handler),
		versions:  map[string]string{id: version},
	}, nil
}

// FromCatalog builds a registry from compiled declarations. Every catalog
// handler must have a transform under its name. The result is validated.
func FromCatalog(cat *catalog.Catalog, version string, transforms map[string]Transform) (*Registry, error) {
	r, err := New(version)
	if err != nil {
		return nil, err
	}
	for _, spec := range cat.Events {
		if err := r.RegisterEventType(spec); err != nil {
			return nil, err
		}
	}
	for _, h := range cat.Handlers {
		t, ok := transforms[h.Name]
		if !ok {
			return nil, &RegistrationError{
				Code:    ErrCodeMissingTransform,
				Message: "no transform bound for catalog handler",
				Handler: h.Name,
			}
		}
		if err := r.RegisterHandler(h.Name, h.Version, h.EventTypes, t); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Version returns the current schema version.
func (r *Registry) Version() string { return r.version }

// VersionID returns the tag id of the current schema version.
func (r *Registry) VersionID() string { return r.versionID }

// RegisterEventType adds an event type. Names must be unique and the
// storage policy must be inline or a JSON file.
func (r *Registry) RegisterEventType(spec ir.EventTypeSpec) error {
	if spec.Name == "" {
		return &RegistrationError{Code: ErrCodeEmptyName, Message: "event type name is empty"}
	}

	switch spec.Storage.Kind {
	case "", ir.StorageInline:
		spec.Storage = ir.Storage{Kind: ir.StorageInline}
	case ir.StorageFile:
		if spec.Storage.Ext == "" {
			spec.Storage.Ext = JSONExt
		}
		if spec.Storage.Ext != JSONExt {
			return &RegistrationError{
				Code:      ErrCodeUnsupportedStorage,
				Message:   fmt.Sprintf("external storage extension %q is not supported, only %s", spec.Storage.Ext, JSONExt),
				EventType: spec.Name,
			}
		}
	default:
		return &RegistrationError{
			Code:      ErrCodeUnsupportedStorage,
			Message:   fmt.Sprintf("unknown storage kind %q", spec.Storage.Kind),
			EventType: spec.Name,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.events[spec.Name]; dup {
		return &RegistrationError{
			Code:      ErrCodeDuplicateEventType,
			Message:   "event type already registered",
			EventType: spec.Name,
		}
	}
	r.events[spec.Name] = &EventType{EventTypeSpec: spec}
	return nil
}

// BindHook sets the post-insert hook of a registered event type, replacing
// any previous hook.
func (r *Registry) BindHook(eventType string, hook Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	et, ok := r.events[eventType]
	if !ok {
		return &RegistrationError{
			Code:      ErrCodeUnknownEventType,
			Message:   "cannot bind hook to unregistered event type",
			EventType: eventType,
		}
	}
	et.Hook = hook
	return nil
}

// Lookup returns a registered event type, or a ValidationError when the
// name is unknown.
func (r *Registry) Lookup(eventType string) (EventType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.events[eventType]
	if !ok {
		return EventType{}, &ValidationError{
			Code:      ErrCodeUnknownType,
			EventType: eventType,
			Message:   "event type is not registered",
		}
	}
	return *et, nil
}

// EventTypes returns all registered event types sorted by name.
func (r *Registry) EventTypes() []ir.EventTypeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ir.EventTypeSpec, 0, len(r.events))
	for _, et := range r.events {
		out = append(out, et.EventTypeSpec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterHandler registers a handler for each of eventTypes. An empty
// version means the current one. Registering a second handler for an
// (event type, version) pair fails; nothing is registered on error.
func (r *Registry) RegisterHandler(name, version string, eventTypes []string, t Transform) error {
	if name == "" {
		return &RegistrationError{Code: ErrCodeEmptyName, Message: "handler name is empty"}
	}
	if t == nil {
		return &RegistrationError{Code: ErrCodeMissingTransform, Message: "handler has no transform", Handler: name}
	}
	if version == "" {
		version = r.version
	}
	versionID, err := ir.TagID(version)
	if err != nil {
		return fmt.Errorf("register handler %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]Handler, 0, len(eventTypes))
	seen := make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		if _, ok := r.events[et]; !ok {
			return &RegistrationError{
				Code:      ErrCodeUnknownEventType,
				Message:   "handler covers an unregistered event type",
				EventType: et,
				Handler:   name,
			}
		}
		if seen[et] || len(r.handlers[slot{et, versionID}]) > 0 {
			return &RegistrationError{
				Code:      ErrCodeDuplicateHandler,
				Message:   fmt.Sprintf("event type already has a handler at version %s", version),
				EventType: et,
				Handler:   name,
			}
		}
		seen[et] = true

		id, err := ir.HandlerID(et, versionID)
		if err != nil {
			return fmt.Errorf("register handler %s: %w", name, err)
		}
		pending = append(pending, Handler{
			ID:        id,
			Name:      name,
			EventType: et,
			Version:   version,
			VersionID: versionID,
			Transform: t,
		})
	}

	for _, h := range pending {
		k := slot{h.EventType, h.VersionID}
		r.handlers[k] = append(r.handlers[k], h)
	}
	r.versions[versionID] = version
	return nil
}

// Resolve returns the single handler for (eventType, versionID).
func (r *Registry) Resolve(eventType, versionID string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[slot{eventType, versionID}]
	switch len(hs) {
	case 0:
		return Handler{}, fmt.Errorf("%w: event_type=%s version=%s", ErrHandlerNotFound, eventType, r.versionLabel(versionID))
	case 1:
		return hs[0], nil
	default:
		return Handler{}, fmt.Errorf("%w: %d handlers for event_type=%s version=%s", ErrAmbiguousHandler, len(hs), eventType, r.versionLabel(versionID))
	}
}

func (r *Registry) versionLabel(versionID string) string {
	if v, ok := r.versions[versionID]; ok {
		return v
	}
	return versionID
}

// Handlers returns every registered handler sorted by event type, then
// version.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, hs := range r.handlers {
		out = append(out, hs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Validate checks that every event type has exactly one handler at the
// current version.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch n := len(r.handlers[slot{name, r.versionID}]); {
		case n == 0:
			return &RegistrationError{
				Code:      ErrCodeMissingHandler,
				Message:   fmt.Sprintf("no handler at version %s", r.version),
				EventType: name,
			}
		case n > 1:
			return &RegistrationError{
				Code:      ErrCodeDuplicateHandler,
				Message:   fmt.Sprintf("%d handlers at version %s", n, r.version),
				EventType: name,
			}
		}
	}
	return nil
}

// Seed writes the tag row of every known version and every handler row,
// insert-if-absent. Safe to call on each start.
func (r *Registry) Seed(ctx context.Context, s *store.Store, createdAt string) error {
	r.mu.RLock()
	versions := make(map[string]string, len(r.versions))
	for id, v := range r.versions {
		versions[id] = v
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tag := ir.Tag{ID: id, Version: versions[id], CreatedAt: createdAt}
		if _, err := s.EnsureTag(ctx, tag); err != nil {
			return fmt.Errorf("seed tag %s: %w", tag.Version, err)
		}
	}

	for _, h := range r.Handlers() {
		inserted, err := s.WriteHandler(ctx, h.Record())
		if err != nil {
			return fmt.Errorf("seed handler %s/%s: %w", h.Name, h.EventType, err)
		}
		if inserted {
			slog.Debug("seeded handler", "handler", h.Name, "event_type", h.EventType, "version", h.Version)
		}
	}
	return nil
}

// Run executes h on in. It asserts that h covers the input's event type and
// that h is at the current version before the transform is called. A panic
// in the transform is returned as an error.
func (r *Registry) Run(ctx context.Context, h Handler, in Input) (record ir.Object, err error) {
	if h.EventType != in.Event.Type {
		return nil, fmt.Errorf("event in handler %s (%s) does not match event %s", h.Name, h.EventType, in.Event.Type)
	}
	if h.VersionID != r.versionID {
		return nil, &VersionMismatchError{
			Handler:        h.Name,
			HandlerVersion: h.Version,
			CurrentVersion: r.version,
		}
	}
	if h.Transform == nil {
		return nil, fmt.Errorf("handler %s has no transform", h.Name)
	}

	slog.Info("running handler", "handler", h.Name, "event_id", in.Event.ID)
	slog.Debug("running handler with input", "handler", h.Name, "event_type", in.Event.Type, "attrs", in.Event.Attrs)

	defer func() {
		if p := recover(); p != nil {
			record = nil
			err = fmt.Errorf("handler %s panicked: %v", h.Name, p)
		}
	}()

	record, err = h.Transform(ctx, in)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = ir.Object{}
	}
	slog.Info("handler ran", "handler", h.Name, "event_id", in.Event.ID)
	return record, nil
}

// SlotID returns the handler id for (eventType, versionID) whether or not
// a handler is registered there. Failure rows for unresolvable events use it.
func SlotID(eventType, versionID string) (string, error) {
	return ir.HandlerID(eventType, versionID)
}
