package task

import (
	"context"
	"strconv"
	"strings"
	"sync"

	logx "taskd/pkg/logx"
)

// Handler is the executable unit resolved for a descriptor's type.
//
// Handlers should call tc.CheckCancelled between phases and return ErrCancelled
// (or the error it produced) to acknowledge a cancellation request.
type Handler interface {
	Run(ctx context.Context, tc *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tc *Context) error

func (f HandlerFunc) Run(ctx context.Context, tc *Context) error { return f(ctx, tc) }

// ProgressFunc receives progress updates; percent nil means unknown.
type ProgressFunc func(percent *int, message string)

// Context is the per-run capability handed to a handler.
type Context struct {
	Descriptor Descriptor
	Execution  ExecutionInfo
	Params     map[string]string
	Log        logx.Logger

	progress  ProgressFunc
	cancelled func() bool

	mu     sync.Mutex
	result string
}

// NewContext wires a run context. progress and cancelled may be nil.
func NewContext(d Descriptor, run ExecutionInfo, params map[string]string, log logx.Logger, progress ProgressFunc, cancelled func() bool) *Context {
	if params == nil {
		params = map[string]string{}
	}
	return &Context{
		Descriptor: d,
		Execution:  run,
		Params:     params,
		Log:        log,
		progress:   progress,
		cancelled:  cancelled,
	}
}

// ReportProgress records percent (clamped to 0..100) and a message.
func (c *Context) ReportProgress(percent int, message string) {
	p := min(max(percent, 0), 100)
	if c.progress != nil {
		c.progress(&p, message)
	}
}

// ReportMessage updates the progress message without a percentage.
func (c *Context) ReportMessage(message string) {
	if c.progress != nil {
		c.progress(nil, message)
	}
}

// Cancelled reports whether an operator asked this run to stop.
func (c *Context) Cancelled() bool {
	return c.cancelled != nil && c.cancelled()
}

// CheckCancelled returns ErrCancelled once cancellation was requested.
func (c *Context) CheckCancelled() error {
	if c.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// SetResult stores a short summary recorded on the history row.
func (c *Context) SetResult(summary string) {
	c.mu.Lock()
	c.result = summary
	c.mu.Unlock()
}

func (c *Context) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Context) Param(key string) string {
	return strings.TrimSpace(c.Params[key])
}

// ParamInt returns def when the key is missing or not an integer.
func (c *Context) ParamInt(key string, def int) int {
	v := c.Param(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c *Context) ParamBool(key string, def bool) bool {
	v := c.Param(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
