package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/registry"
)

// DefaultEntryPoint is recorded for accesses that do not name one.
const DefaultEntryPoint = "dashboard"

// ErrSlackNotFound is returned by a Directory that cannot resolve a handle.
var ErrSlackNotFound = errors.New("slack username not found")

// Directory resolves the Slack handle named by a user_add_info payload.
type Directory interface {
	LookupSlack(ctx context.Context, data ir.Object) (string, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, data ir.Object) (string, error)

func (f DirectoryFunc) LookupSlack(ctx context.Context, data ir.Object) (string, error) {
	return f(ctx, data)
}

// PayloadDirectory reads the handle straight from the payload's
// slack_username key.
type PayloadDirectory struct{}

func (PayloadDirectory) LookupSlack(_ context.Context, data ir.Object) (string, error) {
	if handle, ok := data.Str("slack_username"); ok && handle != "" {
		return handle, nil
	}
	return "", ErrSlackNotFound
}

// StaticDirectory maps payload e-mail addresses to handles, falling back
// to PayloadDirectory.
type StaticDirectory map[string]string

func (d StaticDirectory) LookupSlack(ctx context.Context, data ir.Object) (string, error) {
	if email, ok := data.Str("email"); ok {
		if handle, ok := d[email]; ok {
			return handle, nil
		}
	}
	return PayloadDirectory{}.LookupSlack(ctx, data)
}

// Transforms returns the handler transforms by catalog handler name.
func Transforms(dir Directory) map[string]registry.Transform {
	if dir == nil {
		dir = PayloadDirectory{}
	}
	return map[string]registry.Transform{
		"UserEvent":    userEvent(dir),
		"AccessEvent":  accessEvent,
		"CheckInEvent": checkInEvent,
	}
}

// userEvent passes user_add through and resolves the Slack handle of a
// slack_username user_add_info.
func userEvent(dir Directory) registry.Transform {
	return func(ctx context.Context, in registry.Input) (ir.Object, error) {
		rec := in.Event.Attrs.Clone()
		if in.Event.Type != "user_add_info" {
			return rec, nil
		}
		if in.Data != nil {
			rec["info"] = in.Data.Clone()
		}
		infoType, _ := rec.Str("info_type")
		if infoType != "slack_username" {
			return rec, nil
		}
		handle, err := dir.LookupSlack(ctx, in.Data)
		if err != nil {
			return nil, err
		}
		if handle == "" {
			return nil, ErrSlackNotFound
		}
		rec["slack_username"] = ir.String(handle)
		return rec, nil
	}
}

// accessEvent records who accessed what; the entry point comes from the
// payload, then attrs, then DefaultEntryPoint.
func accessEvent(_ context.Context, in registry.Input) (ir.Object, error) {
	user, ok := in.Event.Attrs.Str("user")
	if !ok {
		return nil, fmt.Errorf("user is not a string")
	}
	entry, _ := in.Data.Str("entry_point")
	if entry == "" {
		entry, _ = in.Event.Attrs.Str("entry_point")
	}
	if entry == "" {
		entry = DefaultEntryPoint
	}
	return ir.Object{
		"user":        ir.String(user),
		"entry_point": ir.String(entry),
	}, nil
}

// checkInEvent normalizes check_in to 0/1 and auto to a bool.
func checkInEvent(_ context.Context, in registry.Input) (ir.Object, error) {
	user, ok := in.Event.Attrs.Str("user")
	if !ok {
		return nil, fmt.Errorf("user is not a string")
	}
	raw, ok := in.Event.Attrs["check_in"]
	if !ok {
		return nil, fmt.Errorf("check_in is missing")
	}
	var checkIn int64
	switch v := raw.(type) {
	case ir.Int:
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("check_in must be 0 or 1, got %d", v)
		}
		checkIn = int64(v)
	case ir.Bool:
		if v {
			checkIn = 1
		}
	default:
		return nil, fmt.Errorf("check_in must be 0, 1 or a bool")
	}
	auto := in.Data.Flag("auto") || in.Event.Attrs.Flag("auto")
	return ir.Object{
		"user":     ir.String(user),
		"check_in": ir.Int(checkIn),
		"auto":     ir.Bool(auto),
	}, nil
}
