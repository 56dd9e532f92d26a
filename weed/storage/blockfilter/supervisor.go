package blockfilter

import (
	"context"
	"fmt"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/stats"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

// openChannel opens ch's store and checks its geometry. The first store to
// open fixes the geometry; every later open must report the same size.
func (e *Engine) openChannel(ctx context.Context, ch *channel) error {
	if ch.endpoint == "" {
		ep, found := e.sup.Lookup(ch.label)
		if !found {
			return fmt.Errorf("%w: %v", ErrNoDevice, ch)
		}
		ch.endpoint = ep
	}
	ch.open = false
	if _, err := e.call(ctx, ch, session.OpOpen, 0); err != nil {
		return fmt.Errorf("open %v: %w", ch, err)
	}
	reply, err := e.call(ctx, ch, session.OpIoctl, session.IoctlGetGeometry)
	if err != nil {
		return fmt.Errorf("geometry of %v: %w", ch, err)
	}
	size := reply.Geometry.Size
	if !e.haveGeometry {
		e.geometry = size
		e.haveGeometry = true
		glog.V(1).Infof("%v: geometry %d bytes", ch, size)
	} else if size != e.geometry {
		return fmt.Errorf("%w: %v has %d bytes, expected %d", ErrGeometryMismatch, ch, size, e.geometry)
	}
	ch.open = true
	glog.V(1).Infof("%v: opened %s minor %d", ch, ch.endpoint, ch.minor)
	return nil
}

func (e *Engine) closeChannel(ctx context.Context, ch *channel) {
	if !ch.open {
		return
	}
	ch.open = false
	if _, err := e.call(ctx, ch, session.OpClose, 0); err != nil {
		glog.V(0).Infof("%v: close: %v", ch, err)
	}
}

// reportProblem records a problem against ch and returns ErrRedo. The first
// problem recorded for a channel is kept until reconcile handles it.
func (e *Engine) reportProblem(ctx context.Context, ch *channel, kind Problem, err error) error {
	if ch.problem == ProblemNone {
		ch.problem = kind
		ch.err = err
	}
	stats.FilterChannelProblemCounter.WithLabelValues(ch.label, kind.String()).Inc()
	glog.V(1).InfofCtx(ctx, "%v: %s problem: %v", ch, kind, err)
	return ErrRedo
}

// countIgnored counts a tolerated checksum mismatch against ch. The count
// survives across client operations and is cleared by a clean read; once it
// reaches Retries the mismatch is reported as a data problem and the count
// starts over.
func (e *Engine) countIgnored(ctx context.Context, ch *channel, err error) error {
	if !e.cfg.CountIgnored {
		return nil
	}
	ch.ignored++
	if ch.ignored < e.cfg.Retries {
		glog.V(1).InfofCtx(ctx, "%v: tolerated mismatch %d/%d", ch, ch.ignored, e.cfg.Retries)
		return nil
	}
	ch.ignored = 0
	return e.reportProblem(ctx, ch, ProblemData, err)
}

// handleEvent applies a supervisor announcement to the channels it names.
func (e *Engine) handleEvent(ctx context.Context, ev session.Event) {
	matched := false
	for _, ch := range e.channels {
		if ch.label != ev.Label || ch.role == RoleNone {
			continue
		}
		matched = true
		if ev.Err != nil {
			ch.liveness = LivenessUnseen
			glog.WarningfCtx(ctx, "%v: restart failed: %v", ch, ev.Err)
			continue
		}
		ch.next = ev.Endpoint
		ch.liveness = LivenessConfirmed
		glog.V(1).InfofCtx(ctx, "%v: new session %s confirmed", ch, ev.Endpoint)
	}
	if !matched {
		glog.V(2).InfofCtx(ctx, "ignoring event for %q", ev.Label)
	}
}

// pollEvents applies every announcement already delivered, without waiting.
func (e *Engine) pollEvents(ctx context.Context) {
	for {
		select {
		case ev := <-e.sup.Events():
			e.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (e *Engine) resetCounters() {
	for _, ch := range e.channels {
		ch.retries = 0
		ch.restarts = 0
	}
}

// reconcileAll reconciles the primary, then the mirror. A demotion of the
// primary promotes the mirror, whose own problem is then handled too.
func (e *Engine) reconcileAll(ctx context.Context) error {
	if err := e.reconcile(ctx, e.channels[RolePrimary]); err != nil {
		return err
	}
	if e.mirroring {
		return e.reconcile(ctx, e.channels[RoleMirror])
	}
	return e.reconcile(ctx, e.channels[RolePrimary])
}

// reconcile decides what to do about ch's recorded problem. It returns nil
// once the channel may be used again, or when it was dropped from the mirror,
// and a *FatalError when recovery is exhausted on the last channel.
//
// A protocol or data problem is retried in place up to Retries times. A dead
// channel, or one whose retries are spent, is restarted through the
// supervisor. The Restarts-th time the restart path is entered the channel is
// given up: demoted while mirroring, fatal otherwise.
func (e *Engine) reconcile(ctx context.Context, ch *channel) error {
	e.pollEvents(ctx)
	first := true
	for {
		if ch.problem == ProblemNone || ch.role == RoleNone {
			return nil
		}

		if ch.liveness == LivenessConfirmed {
			err := e.reopen(ctx, ch)
			if err == nil {
				ch.clearProblem()
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ch.problem, ch.err = ProblemProtocol, err
		}

		if ch.problem != ProblemDead {
			ch.retries++
			if ch.retries < e.cfg.Retries && first {
				glog.V(2).InfofCtx(ctx, "%v: retry %d/%d after %s problem: %v",
					ch, ch.retries, e.cfg.Retries, ch.problem, ch.err)
				ch.clearProblem()
				return nil
			}
		}
		first = false

		ch.restarts++
		ch.retries = 0
		if ch.restarts >= e.cfg.Restarts {
			return e.exhausted(ctx, ch)
		}
		if err := e.restart(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ch.problem, ch.err = ProblemProtocol, err
			continue
		}
		if err := e.reopen(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ch.problem, ch.err = ProblemProtocol, err
			continue
		}
		ch.clearProblem()
		return nil
	}
}

// restart asks the supervisor for a new session, unless one is already on
// its way, and waits until it is confirmed.
func (e *Engine) restart(ctx context.Context, ch *channel) error {
	if ch.liveness != LivenessPending {
		stats.FilterChannelRestartCounter.WithLabelValues(ch.label).Inc()
		glog.V(1).InfofCtx(ctx, "%v: requesting restart %d after %s problem: %v", ch, ch.restarts, ch.problem, ch.err)
		if err := e.sup.RequestRestart(ch.label); err != nil {
			return fmt.Errorf("request restart of %v: %w", ch, err)
		}
		ch.liveness = LivenessPending
	}
	return e.awaitConfirmed(ctx, ch)
}

// awaitConfirmed blocks until the supervisor announces ch's new session or
// reports that the restart failed. Stray replies are dropped meanwhile.
func (e *Engine) awaitConfirmed(ctx context.Context, ch *channel) error {
	for ch.liveness != LivenessConfirmed {
		select {
		case ev := <-e.sup.Events():
			e.handleEvent(ctx, ev)
			if ev.Label == ch.label && ev.Err != nil {
				return ev.Err
			}
		case reply := <-e.tr.Replies():
			glog.V(2).InfofCtx(ctx, "discarding reply %d from %s while restarting %v", reply.ID, reply.Source, ch)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) reopen(ctx context.Context, ch *channel) error {
	ch.endpoint = ch.next
	ch.next = ""
	ch.liveness = LivenessUnseen
	return e.openChannel(ctx, ch)
}

// exhausted gives up on ch: it is dropped from the mirror while the other
// channel remains, otherwise its last error ends the operation.
func (e *Engine) exhausted(ctx context.Context, ch *channel) error {
	if e.mirroring {
		e.demote(ctx, ch)
		return nil
	}
	code := fatalCode(ch.err)
	glog.ErrorfCtx(ctx, "%v: recovery exhausted after %d restarts: %v", ch, ch.restarts-1, ch.err)
	ch.clearProblem()
	return &FatalError{Channel: ch.label, Err: code}
}

// demote disables mirroring for good. When the primary is the one given up,
// the mirror takes over its slot.
func (e *Engine) demote(ctx context.Context, ch *channel) {
	e.mirroring = false
	if ch.role == RolePrimary {
		e.channels[RolePrimary], e.channels[RoleMirror] = e.channels[RoleMirror], e.channels[RolePrimary]
		e.channels[RolePrimary].role = RolePrimary
	}
	ch.role = RoleNone
	ch.open = false
	ch.liveness = LivenessUnseen
	last := ch.err
	ch.clearProblem()

	stats.FilterChannelDemotionCounter.WithLabelValues(ch.label).Inc()
	stats.FilterMirroringGauge.Set(0)
	glog.WarningfCtx(ctx, "channel %s dropped after %d restarts (%v); mirroring disabled, continuing on %v",
		ch.label, ch.restarts-1, last, e.channels[RolePrimary])
}
