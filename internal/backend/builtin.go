package backend

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // timezone lookups without system zoneinfo

	"github.com/google/uuid"
)

// Func is an in-process agent body.
type Func func(ctx context.Context, call Call) (any, error)

// FuncOpener opens sessions that dispatch to an in-process Go function.
type FuncOpener struct {
	Fn Func
}

// NewFuncOpener wraps fn as an Opener.
func NewFuncOpener(fn Func) *FuncOpener {
	return &FuncOpener{Fn: fn}
}

// Open creates a session for the function.
func (o *FuncOpener) Open(ctx context.Context) (Backend, error) {
	if o.Fn == nil {
		return nil, fmt.Errorf("func agent has no function")
	}
	return &funcBackend{fn: o.Fn, sessionID: uuid.NewString()}, nil
}

type funcBackend struct {
	fn        Func
	sessionID string
}

func (b *funcBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	out, err := b.fn(ctx, call)
	if err != nil {
		return Response{SessionID: b.sessionID}, err
	}
	return Response{Content: out, SessionID: b.sessionID}, nil
}

func (b *funcBackend) Close() error { return nil }

func (b *funcBackend) SessionID() string { return b.sessionID }

// DateTimeAgent answers "current_time" with the time in an optional timezone and layout.
// Payload keys: "timezone" (IANA name, default local) and "format" (Go layout, default RFC3339).
func DateTimeAgent(now func() time.Time) *FuncOpener {
	if now == nil {
		now = time.Now
	}
	return NewFuncOpener(func(ctx context.Context, call Call) (any, error) {
		if call.Operation != "current_time" {
			return nil, Handoff(fmt.Sprintf("datetime agent does not support %q", call.Operation))
		}

		loc := time.Local
		layout := time.RFC3339
		if args, ok := call.Payload.(map[string]any); ok {
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, Handoff(fmt.Sprintf("unknown timezone %q", tz))
				}
				loc = l
			}
			if f, ok := args["format"].(string); ok && f != "" {
				layout = f
			}
		}

		t := now().In(loc)
		return map[string]any{
			"time":     t.Format(layout),
			"timezone": loc.String(),
			"weekday":  t.Weekday().String(),
			"unix":     t.Unix(),
		}, nil
	})
}
