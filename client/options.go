package client

import "github.com/aarong/feedme-client-go/errs"

// Options configures a Client's policy layer (§4.3). The zero value is
// not valid; New starts from DefaultOptions() and applies the Option
// overrides it is given, the way the teacher's own options bags are
// built — a base of sane defaults plus functional overrides, never a
// struct literal built ad hoc at each call site.
type Options struct {
	ConnectTimeoutMs        int
	ConnectRetryMs          int
	ConnectRetryBackoffMs   int
	ConnectRetryMaxMs       int
	ConnectRetryMaxAttempts int
	ActionTimeoutMs         int
	FeedTimeoutMs           int
	Reconnect               bool
	ReopenMaxAttempts       int
	ReopenTrailingMs        int
}

// DefaultOptions returns the protocol's documented defaults: no
// timeouts, one immediate retry attempt disabled (retries off by
// default — connectRetryMs negative), reconnect on, reopen unlimited.
func DefaultOptions() Options {
	return Options{
		ConnectTimeoutMs:        0,
		ConnectRetryMs:          -1,
		ConnectRetryBackoffMs:   0,
		ConnectRetryMaxMs:       0,
		ConnectRetryMaxAttempts: 0,
		ActionTimeoutMs:         0,
		FeedTimeoutMs:           0,
		Reconnect:               true,
		ReopenMaxAttempts:       -1,
		ReopenTrailingMs:        0,
	}
}

// Option mutates an Options bag under construction.
type Option func(*Options)

func WithConnectTimeoutMs(ms int) Option        { return func(o *Options) { o.ConnectTimeoutMs = ms } }
func WithConnectRetryMs(ms int) Option          { return func(o *Options) { o.ConnectRetryMs = ms } }
func WithConnectRetryBackoffMs(ms int) Option   { return func(o *Options) { o.ConnectRetryBackoffMs = ms } }
func WithConnectRetryMaxMs(ms int) Option       { return func(o *Options) { o.ConnectRetryMaxMs = ms } }
func WithConnectRetryMaxAttempts(n int) Option  { return func(o *Options) { o.ConnectRetryMaxAttempts = n } }
func WithActionTimeoutMs(ms int) Option         { return func(o *Options) { o.ActionTimeoutMs = ms } }
func WithFeedTimeoutMs(ms int) Option           { return func(o *Options) { o.FeedTimeoutMs = ms } }
func WithReconnect(on bool) Option              { return func(o *Options) { o.Reconnect = on } }
func WithReopenMaxAttempts(n int) Option        { return func(o *Options) { o.ReopenMaxAttempts = n } }
func WithReopenTrailingMs(ms int) Option        { return func(o *Options) { o.ReopenTrailingMs = ms } }

func (o Options) validate() error {
	if o.ConnectTimeoutMs < 0 {
		return errs.New(errs.InvalidArgument, "connectTimeoutMs must be >= 0")
	}
	if o.ConnectRetryBackoffMs < 0 {
		return errs.New(errs.InvalidArgument, "connectRetryBackoffMs must be >= 0")
	}
	if o.ConnectRetryMaxMs < 0 {
		return errs.New(errs.InvalidArgument, "connectRetryMaxMs must be >= 0")
	}
	if o.ConnectRetryMaxMs > 0 && o.ConnectRetryMaxMs < o.ConnectRetryMs {
		return errs.New(errs.InvalidArgument, "connectRetryMaxMs must be >= connectRetryMs")
	}
	if o.ConnectRetryMaxAttempts < 0 {
		return errs.New(errs.InvalidArgument, "connectRetryMaxAttempts must be >= 0")
	}
	if o.ActionTimeoutMs < 0 {
		return errs.New(errs.InvalidArgument, "actionTimeoutMs must be >= 0")
	}
	if o.FeedTimeoutMs < 0 {
		return errs.New(errs.InvalidArgument, "feedTimeoutMs must be >= 0")
	}
	if o.ReopenTrailingMs < 0 {
		return errs.New(errs.InvalidArgument, "reopenTrailingMs must be >= 0")
	}
	return nil
}
