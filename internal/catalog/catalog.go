// Package catalog compiles the CUE declaration of event types and handlers
// into descriptors the registry consumes.
//
// A catalog declares two top-level structs:
//
//	event: user_add: {group: "UserAdd", required: ["user"]}
//	handler: UserEvent: {events: ["user_add", "user_add_info"]}
//
// The built-in dashboard catalog is embedded; LoadDir reads an alternate
// CUE package from disk.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/dashlog/internal/ir"
)

//go:embed dashboard.cue
var dashboardCUE []byte

// Catalog is the compiled set of declarations, sorted by name.
type Catalog struct {
	Events   []ir.EventTypeSpec
	Handlers []ir.HandlerSpec
}

// Event returns the event type declaration with the given name.
func (c *Catalog) Event(name string) (ir.EventTypeSpec, bool) {
	for _, e := range c.Events {
		if e.Name == name {
			return e, true
		}
	}
	return ir.EventTypeSpec{}, false
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default compiles the embedded dashboard catalog.
func Default() (*Catalog, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(dashboardCUE, cue.Filename("dashboard.cue"))
	return Compile(v)
}

// LoadDir loads the CUE package in dir and compiles it.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog directory: not a directory: %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("catalog directory: no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	v := cuecontext.New().BuildInstance(inst)
	return Compile(v)
}

// Compile turns a CUE value holding `event` and `handler` structs into a
// Catalog. The first error is returned, with its CUE position when known.
func Compile(v cue.Value) (*Catalog, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	cat := &Catalog{}

	eventsVal := v.LookupPath(cue.ParsePath("event"))
	if !eventsVal.Exists() {
		return nil, &CompileError{Field: "event", Message: "at least one event type is required", Pos: v.Pos()}
	}
	iter, err := eventsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := CompileEventType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.Events = append(cat.Events, spec)
	}

	handlersVal := v.LookupPath(cue.ParsePath("handler"))
	if handlersVal.Exists() {
		iter, err := handlersVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			spec, err := CompileHandler(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			cat.Handlers = append(cat.Handlers, spec)
		}
	}

	sort.Slice(cat.Events, func(i, j int) bool { return cat.Events[i].Name < cat.Events[j].Name })
	sort.Slice(cat.Handlers, func(i, j int) bool { return cat.Handlers[i].Name < cat.Handlers[j].Name })
	return cat, nil
}

// CompileEventType parses one `event: <name>: {...}` entry.
func CompileEventType(name string, v cue.Value) (ir.EventTypeSpec, error) {
	if err := v.Err(); err != nil {
		return ir.EventTypeSpec{}, formatCUEError(err)
	}
	spec := ir.EventTypeSpec{Name: name}

	group, err := lookupString(v, "group", true)
	if err != nil {
		return ir.EventTypeSpec{}, err
	}
	spec.Group = group

	spec.Required, err = lookupStrings(v, "required")
	if err != nil {
		return ir.EventTypeSpec{}, err
	}

	spec.Storage = ir.Storage{Kind: ir.StorageInline}
	storageVal := v.LookupPath(cue.ParsePath("storage"))
	if storageVal.Exists() {
		kind, err := lookupString(storageVal, "kind", false)
		if err != nil {
			return ir.EventTypeSpec{}, err
		}
		if kind != "" {
			spec.Storage.Kind = ir.StorageKind(kind)
		}
		if spec.Storage.Ext, err = lookupString(storageVal, "ext", false); err != nil {
			return ir.EventTypeSpec{}, err
		}
	}
	return spec, nil
}

// CompileHandler parses one `handler: <Name>: {...}` entry.
func CompileHandler(name string, v cue.Value) (ir.HandlerSpec, error) {
	if err := v.Err(); err != nil {
		return ir.HandlerSpec{}, formatCUEError(err)
	}
	spec := ir.HandlerSpec{Name: name}

	var err error
	spec.EventTypes, err = lookupStrings(v, "events")
	if err != nil {
		return ir.HandlerSpec{}, err
	}
	if len(spec.EventTypes) == 0 {
		return ir.HandlerSpec{}, &CompileError{
			Field:   "events",
			Message: fmt.Sprintf("handler %s must cover at least one event type", name),
			Pos:     v.Pos(),
		}
	}

	if spec.Version, err = lookupString(v, "version", false); err != nil {
		return ir.HandlerSpec{}, err
	}
	return spec, nil
}

func lookupString(v cue.Value, field string, required bool) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		if required {
			return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
		}
		return "", nil
	}
	if d, ok := fv.Default(); ok {
		fv = d
	}
	if !fv.IsConcrete() {
		if required {
			return "", &CompileError{Field: field, Message: field + " must be a concrete string", Pos: fv.Pos()}
		}
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func lookupStrings(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	if d, ok := fv.Default(); ok {
		fv = d
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
