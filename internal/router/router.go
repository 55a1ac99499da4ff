package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/model"
)

// Publisher receives parsed ticks. Publish must not block.
type Publisher interface {
	Publish(tick model.PriceTick)
}

// Router parses raw feed frames and publishes the resulting ticks.
type Router interface {
	// Start begins routing frames from the input channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	FramesReceived int64
	TicksRouted    int64
	ParseErrors    int64
	Encrypted      int64
	LastTickAt     time.Time
}

// malformedLogEvery samples malformed-frame warnings after the first few.
const malformedLogEvery = 100

type router struct {
	parser *Parser
	out    Publisher
	logger *slog.Logger
	input  <-chan connection.RawMessage

	cancel context.CancelFunc
	done   chan struct{}

	received    atomic.Int64
	routed      atomic.Int64
	parseErrors atomic.Int64
	encrypted   atomic.Int64
	lastTick    atomic.Int64 // unix nanos
}

// NewRouter creates a router reading input and publishing to out.
func NewRouter(parser *Parser, input <-chan connection.RawMessage, out Publisher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		parser: parser,
		out:    out,
		logger: logger,
		input:  input,
		done:   make(chan struct{}),
	}
}

func (r *router) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.routeLoop(ctx)

	r.logger.Info("frame router started", "tr_id", r.parser.trID)
	return nil
}

// Stop ends the loop after routing whatever is already buffered on input.
func (r *router) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		r.logger.Info("frame router stopped", "ticks_routed", r.routed.Load())
		return nil
	case <-ctx.Done():
		r.logger.Warn("frame router stop timed out")
		return ctx.Err()
	}
}

func (r *router) Stats() RouterStats {
	s := RouterStats{
		FramesReceived: r.received.Load(),
		TicksRouted:    r.routed.Load(),
		ParseErrors:    r.parseErrors.Load(),
		Encrypted:      r.encrypted.Load(),
	}
	if ns := r.lastTick.Load(); ns > 0 {
		s.LastTickAt = time.Unix(0, ns)
	}
	return s
}

func (r *router) routeLoop(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// drain routes frames already queued without waiting for more.
func (r *router) drain() {
	for {
		select {
		case raw, ok := <-r.input:
			if !ok {
				return
			}
			r.route(raw)
		default:
			return
		}
	}
}

// route parses one frame and publishes its ticks. Malformed frames are
// counted and dropped.
func (r *router) route(raw connection.RawMessage) {
	r.received.Add(1)

	ticks, err := r.parser.Parse(raw.Data, raw.ReceivedAt)
	if err != nil {
		if errors.Is(err, ErrEncrypted) {
			r.encrypted.Add(1)
		}
		if n := r.parseErrors.Add(1); n <= 10 || n%malformedLogEvery == 0 {
			r.logger.Warn("dropping malformed frame", "error", err, "total", n)
		}
		return
	}

	for _, tick := range ticks {
		r.out.Publish(tick)
	}
	if len(ticks) > 0 {
		r.routed.Add(int64(len(ticks)))
		r.lastTick.Store(raw.ReceivedAt.UnixNano())
	}
}
