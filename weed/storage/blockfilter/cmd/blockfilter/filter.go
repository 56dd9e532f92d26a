package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

// filter is a started engine over the images a config names.
type filter struct {
	host   *session.Host
	engine *blockfilter.Engine
	router *blockfilter.Router
}

func openFilter(ctx context.Context, cfg blockfilter.Config) (*filter, error) {
	host := session.NewHost()
	stores := []blockfilter.ChannelConfig{cfg.Primary}
	if cfg.Mirroring && cfg.Mirror.Label != cfg.Primary.Label {
		stores = append(stores, cfg.Mirror)
	}
	for _, c := range stores {
		if _, err := host.Attach(session.StoreConfig{Label: c.Label, Path: c.Path}); err != nil {
			host.Close()
			return nil, fmt.Errorf("attach %s: %w", c.Label, err)
		}
	}
	e, err := blockfilter.New(cfg, host, host)
	if err != nil {
		host.Close()
		return nil, err
	}
	if err := startEngine(ctx, e); err != nil {
		host.Close()
		return nil, err
	}
	return &filter{host: host, engine: e, router: blockfilter.NewRouter(e)}, nil
}

// startEngine starts e, attaching again while the stores ask for a redo.
func startEngine(ctx context.Context, e *blockfilter.Engine) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.RetryNotify(func() error {
		err := e.Start(ctx)
		if err == nil || errors.Is(err, blockfilter.ErrRedo) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		glog.V(0).Infof("start: %v, attaching again in %v", err, wait)
	})
}

func (f *filter) Close() {
	if err := f.engine.Close(context.Background()); err != nil {
		glog.Warningf("close engine: %v", err)
	}
	if err := f.host.Close(); err != nil {
		glog.Warningf("close stores: %v", err)
	}
}

func (f *filter) do(ctx context.Context, verb blockfilter.Verb, pos uint64, buf []byte) (uint64, error) {
	access := session.AccessRead
	if verb == blockfilter.VerbRead {
		access = session.AccessWrite
	}
	reply := f.router.Handle(ctx, &blockfilter.Request{
		Verb: verb,
		Pos:  pos,
		Iov:  []*session.Grant{session.NewGrant(buf, access)},
	})
	return reply.Size, reply.Status
}
