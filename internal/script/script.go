// Package script exposes JavaScript functions as bus responders.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/internal/bus"
)

// EntryPoint is the function every script must define.
const EntryPoint = "respond"

// ErrEntryPointMissing is returned when a script does not define EntryPoint.
var ErrEntryPointMissing = errors.New("script respond function missing")

// Program is a compiled script bound to its own runtime. Calls are serialized.
type Program struct {
	Name string
	Path string
	Hash string

	mu      sync.Mutex
	rt      *goja.Runtime
	respond goja.Callable
}

// Load reads and compiles the script at path.
func Load(path string) (*Program, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return nil, fmt.Errorf("script loader: path required")
	}
	// #nosec G304 -- script paths come from operator configuration.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("script loader: read %q: %w", clean, err)
	}
	name := strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean))
	program, err := Compile(name, string(source))
	if err != nil {
		return nil, err
	}
	program.Path = clean
	return program, nil
}

// Compile compiles source and resolves its respond function.
func Compile(name, source string) (*Program, error) {
	compiled, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("script %s: compile: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := rt.RunProgram(compiled); err != nil {
		return nil, fmt.Errorf("script %s: execute: %w", name, err)
	}
	value := rt.Get(EntryPoint)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("script %s: %w", name, ErrEntryPointMissing)
	}
	respond, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script %s: %q is not callable", name, EntryPoint)
	}
	sum := sha256.Sum256([]byte(source))
	return &Program{
		Name:    name,
		Hash:    hex.EncodeToString(sum[:]),
		rt:      rt,
		respond: respond,
	}, nil
}

// Call invokes respond(payload) and exports its result to Go values.
// Cancelling ctx interrupts a running script.
func (p *Program) Call(ctx context.Context, payload any) (any, error) {
	if p == nil {
		return nil, errs.New("script", errs.CodeInvalid, errs.WithMessage("nil program"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, p.timeout(err)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		p.rt.Interrupt(ctx.Err())
		close(fired)
	})
	result, err := p.respond(goja.Undefined(), p.rt.ToValue(payload))
	if !stop() {
		<-fired
	}
	p.rt.ClearInterrupt()

	if err != nil {
		return nil, p.failure(ctx, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// Action adapts the program to a bus responder.
func (p *Program) Action() bus.Action[any, any] {
	return p.Call
}

func (p *Program) failure(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return p.timeout(cause)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errs.New("script", errs.CodeInternal,
			errs.WithMessage(exception.Value().String()),
			errs.WithField("script", p.Name))
	}
	return errs.New("script", errs.CodeInternal,
		errs.WithMessage("call failed"),
		errs.WithCause(err),
		errs.WithField("script", p.Name))
}

func (p *Program) timeout(cause error) error {
	return errs.New("script", errs.CodeTimeout,
		errs.WithMessage("script interrupted"),
		errs.WithCause(cause),
		errs.WithField("script", p.Name))
}
