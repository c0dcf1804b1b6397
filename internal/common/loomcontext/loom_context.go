package loomcontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context is passed to everything that blocks or logs on behalf of one server, worker or client session. Log carries
// the fields identifying that owner (worker address, session id) so callees do not have to add them again.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background is the root of every Context, logging through the standard logger.
func Background() *Context {
	return &Context{Context: context.Background(), Log: logrus.NewEntry(logrus.StandardLogger())}
}

// WithCancel derives a Context that is done once cancel is called or parent is done.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return parent.with(c), cancel
}

// WithTimeout derives a Context that is done after timeout.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return parent.with(c), cancel
}

func WithLogField(parent *Context, key string, val any) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithField(key, val)}
}

func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithFields(fields)}
}

// ErrGroup starts a group of goroutines sharing the returned Context, which is cancelled when the first of them fails.
func ErrGroup(parent *Context) (*errgroup.Group, *Context) {
	g, c := errgroup.WithContext(parent.Context)
	return g, parent.with(c)
}

func (c *Context) with(ctx context.Context) *Context {
	return &Context{Context: ctx, Log: c.Log}
}
