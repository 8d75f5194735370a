// SPDX-License-Identifier: MIT

// Package auth carries the authenticated controller through request
// contexts. Token encoding stays outside the core; the engine only cares
// that a bearer token resolves to an active Controller row.
package auth

import (
	"context"

	"github.com/stellwerk/railwatch/internal/model"
)

// Resolver maps a bearer token to its controller. The domain store is the
// production implementation.
type Resolver interface {
	ControllerByToken(ctx context.Context, token string) (model.Controller, error)
}

type ctxKey struct{}

// WithController attaches the authenticated controller to the context.
func WithController(ctx context.Context, c model.Controller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ControllerFrom extracts the authenticated controller. ok is false on
// unauthenticated contexts.
func ControllerFrom(ctx context.Context) (model.Controller, bool) {
	c, ok := ctx.Value(ctxKey{}).(model.Controller)
	return c, ok
}

// Require returns the authenticated controller at or above the given
// level, or a FORBIDDEN fault.
func Require(ctx context.Context, level model.AuthLevel) (model.Controller, error) {
	c, ok := ControllerFrom(ctx)
	if !ok {
		return model.Controller{}, model.New(model.CodeForbidden, "not authenticated")
	}
	if !c.Active {
		return model.Controller{}, model.New(model.CodeForbidden, "controller deactivated")
	}
	if !c.Level.AtLeast(level) {
		return model.Controller{}, model.Newf(model.CodeForbidden, "requires %s", level)
	}
	return c, nil
}
