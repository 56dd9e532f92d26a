package blockfilter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

// transfer is one physical operation. With both set it goes to every channel
// in use; bufs[i] is the memory for channel i, and a single buffer is shared.
type transfer struct {
	op    session.Op
	ioctl session.Ioctl
	pos   uint64
	bufs  [][]byte
	both  bool
}

// subRequest is the part of a transfer addressed to one channel.
type subRequest struct {
	ch    *channel
	req   *session.Request
	reply *session.Reply
	kind  Problem
	err   error
}

func (s *subRequest) fail(kind Problem, err error) {
	if s.kind == ProblemNone {
		s.kind = kind
		s.err = err
	}
}

// revoke withdraws the store's access to the transfer memory. Late stores
// then fail their copy instead of touching a reused buffer.
func (s *subRequest) revoke() {
	for _, g := range s.req.Iov {
		g.Revoke()
	}
}

func (e *Engine) newSub(ch *channel, t transfer, buf []byte) *subRequest {
	e.nextID++
	req := &session.Request{
		ID:    e.nextID,
		Op:    t.op,
		Minor: ch.minor,
		Pos:   t.pos,
		Ioctl: t.ioctl,
	}
	if buf != nil {
		access := session.AccessRead
		if t.op == session.OpScatter {
			access = session.AccessWrite
		}
		req.Iov = []*session.Grant{session.NewGrant(buf, access)}
	}
	return &subRequest{ch: ch, req: req}
}

// waitState selects which replies the receive loop accepts: any outstanding
// sub-request (either), or one particular sub-request (specific).
type waitState struct {
	target *subRequest
}

func waitEither() waitState {
	return waitState{}
}

func waitSpecific(s *subRequest) waitState {
	return waitState{target: s}
}

func (w waitState) String() string {
	if w.target == nil {
		return "either"
	}
	return "specific(" + w.target.ch.String() + ")"
}

func (w waitState) accept(pending []*subRequest, reply *session.Reply) *subRequest {
	for _, s := range pending {
		if w.target != nil && s != w.target {
			continue
		}
		if s.reply == nil && s.ch.endpoint == reply.Source && s.req.ID == reply.ID {
			return s
		}
	}
	return nil
}

// receive waits for a reply accepted by w. Supervisor announcements that
// arrive meanwhile are applied; other replies are dropped.
func (e *Engine) receive(ctx context.Context, w waitState, pending []*subRequest, timeout <-chan time.Time) (*subRequest, error) {
	for {
		select {
		case reply := <-e.tr.Replies():
			if s := w.accept(pending, reply); s != nil {
				s.reply = reply
				return s, nil
			}
			glog.V(2).InfofCtx(ctx, "wait %v: discarding stray reply %d from %s", w, reply.ID, reply.Source)
		case ev := <-e.sup.Events():
			e.handleEvent(ctx, ev)
		case <-timeout:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) send(s *subRequest) bool {
	if s.kind != ProblemNone {
		return false
	}
	if err := e.tr.Send(s.ch.endpoint, s.req); err != nil {
		s.fail(ProblemDead, err)
		return false
	}
	return true
}

// exchange sends one sub-request and waits for its reply alone.
func (e *Engine) exchange(ctx context.Context, s *subRequest) error {
	if !e.send(s) {
		return nil
	}
	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()
	if _, err := e.receive(ctx, waitSpecific(s), []*subRequest{s}, timer.C); err != nil {
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		s.fail(ProblemProtocol, err)
	}
	return nil
}

// exchangeAll sends every sub-request, primary first, then collects the
// replies under one timeout. While more than one is outstanding a timeout
// cannot be pinned on either, so all of them fail.
func (e *Engine) exchangeAll(ctx context.Context, subs []*subRequest) error {
	var pending []*subRequest
	for _, s := range subs {
		if e.send(s) {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()
	for len(pending) > 0 {
		w := waitEither()
		if len(pending) == 1 {
			w = waitSpecific(pending[0])
		}
		s, err := e.receive(ctx, w, pending, timer.C)
		if errors.Is(err, ErrTimeout) {
			for _, p := range pending {
				p.fail(ProblemProtocol, err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		pending = remove(pending, s)
	}
	return nil
}

func remove(subs []*subRequest, s *subRequest) []*subRequest {
	out := subs[:0]
	for _, p := range subs {
		if p != s {
			out = append(out, p)
		}
	}
	return out
}

// dispatch performs t and returns the bytes transferred, the smaller count
// when two channels took part. Any channel problem is reported and turned
// into ErrRedo.
func (e *Engine) dispatch(ctx context.Context, t transfer) (uint64, error) {
	chans := e.active()
	if !t.both {
		chans = chans[:1]
	}
	subs := make([]*subRequest, len(chans))
	for i, ch := range chans {
		var buf []byte
		if len(t.bufs) > 0 {
			buf = t.bufs[min(i, len(t.bufs)-1)]
		}
		subs[i] = e.newSub(ch, t, buf)
		if !ch.open {
			// its last open failed, e.g. on a geometry mismatch
			subs[i].fail(ProblemProtocol, fmt.Errorf("%w: %v is not open", ErrNoDevice, ch))
		}
	}
	defer func() {
		for _, s := range subs {
			s.revoke()
		}
	}()
	glog.V(3).InfofCtx(ctx, "dispatch %v at %d to %d channel(s)", t.op, t.pos, len(subs))

	if len(subs) == 2 && subs[0].ch.endpoint == subs[1].ch.endpoint {
		// one session cannot serve two requests at once
		for _, s := range subs {
			if err := e.exchange(ctx, s); err != nil {
				return 0, err
			}
		}
	} else if err := e.exchangeAll(ctx, subs); err != nil {
		return 0, err
	}
	return e.settle(ctx, subs)
}

// settle validates the replies and reports every failed channel.
func (e *Engine) settle(ctx context.Context, subs []*subRequest) (uint64, error) {
	var size uint64
	failed := false
	for i, s := range subs {
		if s.reply != nil {
			e.checkReply(s)
		}
		if s.kind != ProblemNone {
			e.reportProblem(ctx, s.ch, s.kind, s.err)
			failed = true
			continue
		}
		if i == 0 || s.reply.Size < size {
			size = s.reply.Size
		}
	}
	if failed {
		return 0, ErrRedo
	}
	return size, nil
}

// checkReply classifies a reply. A failed status is a protocol problem, or a
// dead one when the store says so. A data transfer may come back short only
// at the end of the device.
func (e *Engine) checkReply(s *subRequest) {
	r := s.reply
	if r.Status != nil {
		if errors.Is(r.Status, session.ErrDead) {
			s.fail(ProblemDead, r.Status)
		} else {
			s.fail(ProblemProtocol, r.Status)
		}
		return
	}
	if s.req.Iov == nil {
		return
	}
	want := session.TotalLen(s.req.Iov)
	switch {
	case r.Size > want:
		s.fail(ProblemProtocol, fmt.Errorf("%w: %d bytes transferred, %d requested", ErrIO, r.Size, want))
	case r.Size < want && e.haveGeometry && s.req.Pos+r.Size < e.geometry:
		s.fail(ProblemProtocol, fmt.Errorf("%w: short transfer of %d/%d bytes at %d inside %d byte device",
			ErrIO, r.Size, want, s.req.Pos, e.geometry))
	case r.Size < want:
		glog.V(2).Infof("%v: %d/%d bytes at %d, end of device", s.ch, r.Size, want, s.req.Pos)
	}
}

// call performs a single request on ch without recording problems. It is used
// where the caller decides what a failure means.
func (e *Engine) call(ctx context.Context, ch *channel, op session.Op, ioctl session.Ioctl) (*session.Reply, error) {
	s := e.newSub(ch, transfer{op: op, ioctl: ioctl}, nil)
	if err := e.exchange(ctx, s); err != nil {
		return nil, err
	}
	if s.reply != nil {
		e.checkReply(s)
	}
	if s.kind != ProblemNone {
		return nil, s.err
	}
	return s.reply, nil
}
