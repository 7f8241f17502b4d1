package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyValidator checks a user-supplied vendor key with a live call.
type KeyValidator interface {
	Validate(ctx context.Context, key string) error
}

// Options configures a Client.
type Options struct {
	// Direct is used only when Credentials hold a validated key.
	Direct Transport
	Proxy  Transport
	// Validator defaults to Direct when it implements KeyValidator.
	Validator   KeyValidator
	Credentials Credentials
	// Timeout bounds a whole completion including fallback. Zero waits on
	// the transport defaults.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client turns a conversation into one model completion over an ordered list
// of transports. It keeps no state across calls.
type Client struct {
	mu     sync.RWMutex
	opts   Options
	logger *zap.Logger
}

// NewClient creates a client.
func NewClient(o Options) *Client {
	c := &Client{}
	c.Reconfigure(o)
	return c
}

// Reconfigure swaps transports and limits. Calls already running keep the
// configuration they started with.
func (c *Client) Reconfigure(o Options) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Validator == nil {
		if v, ok := o.Direct.(KeyValidator); ok {
			o.Validator = v
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = o
	c.logger = o.Logger.Named("llm")
}

func (c *Client) snapshot() (Options, *zap.Logger) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts, c.logger
}

// Plan returns the transports to try, in order: direct then proxy when a
// validated user key exists, otherwise proxy only.
func (c *Client) Plan() ([]Transport, error) {
	o, _ := c.snapshot()
	return plan(o)
}

func plan(o Options) ([]Transport, error) {
	var out []Transport
	if o.Direct != nil && o.Credentials != nil {
		if key, validated := o.Credentials.UserAPIKey(); key != "" && validated {
			out = append(out, o.Direct)
		}
	}
	if o.Proxy != nil {
		out = append(out, o.Proxy)
	}
	if len(out) == 0 {
		return nil, &ConfigError{Transport: "client", Msg: "no API key set and no proxy configured"}
	}
	return out, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Complete runs one completion. A network-class failure on the first
// transport falls back to the next one exactly once. Malformed model output
// is never an error; it yields degraded thinking instead.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	o, logger := c.snapshot()
	transports, err := plan(o)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	req = Request{Messages: eligibleHistory(req.Messages), Contexts: req.Contexts}

	var lastErr error
	for i, t := range transports {
		raw, err := t.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				logger.Info("completed after fallback", zap.String("transport", t.Name()))
			}
			return completionFrom(raw, t.Name()), nil
		}
		lastErr = err
		if i+1 < len(transports) && IsFallbackEligible(err) {
			logger.Warn("transport failed, falling back",
				zap.String("transport", t.Name()),
				zap.String("next", transports[i+1].Name()),
				zap.Error(err))
			continue
		}
		break
	}
	return nil, lastErr
}

// Stream starts a streaming completion. Configuration errors are returned
// immediately; everything else is reported by the returned Stream.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	o, logger := c.snapshot()
	transports, err := plan(o)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, o.Timeout)
	req = Request{Messages: eligibleHistory(req.Messages), Contexts: req.Contexts}

	s := newStream(cancel)
	go s.run(ctx, transports, req, logger)
	return s, nil
}

// ValidateAPIKey checks key against the vendor with a minimal call.
func (c *Client) ValidateAPIKey(ctx context.Context, key string) error {
	o, _ := c.snapshot()
	if o.Validator == nil {
		return &ConfigError{Transport: DirectName, Msg: "direct access is not configured"}
	}
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()
	return o.Validator.Validate(ctx, key)
}
