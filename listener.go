package lb

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"l4lb/encap"
)

// maxFrameSize bounds the frame a worker can receive, headroom excluded.
const maxFrameSize = 1 << 16

type ListenerParams struct {
	Conn     PacketConn
	Pipeline *Pipeline
	Workers  int
	Headroom int
	// Events receives a trace of every frame when not nil. Sends never
	// block; events are dropped when the channel is full.
	Events chan<- Event
}

// Listen runs params.Workers receive loops over params.Conn until ctx is
// done or the connection fails. It closes the connection on return.
func Listen(ctx context.Context, params ListenerParams) error {
	workers := params.Workers
	if workers <= 0 {
		workers = 1
	}
	headroom := params.Headroom
	if headroom <= 0 {
		headroom = encap.DefaultHeadroom
	}

	g, gctx := errgroup.WithContext(ctx)
	// Closing the connection is what unblocks the workers' reads.
	stopped := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		select {
		case <-gctx.Done():
		case <-stopped:
		}
		params.Conn.Close()
	}()

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return worker(gctx, w, headroom, params)
		})
	}
	log.Debugf("started %d listener workers", workers)

	err := g.Wait()
	close(stopped)
	<-closed
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func worker(ctx context.Context, id, headroom int, params ListenerParams) error {
	buf := make([]byte, headroom+maxFrameSize)
	var frame encap.Frame
	var ev Event

	for {
		n, err := params.Conn.ReadFrame(buf[headroom:])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTemporary(err) {
				log.Debugf("worker %d: read failed: %s", id, err)
				continue
			}
			return err
		}

		frame.Reset(buf, headroom, n)
		var verdict Verdict
		if params.Events != nil {
			ev = Event{}
			verdict, _ = params.Pipeline.ProcessTraced(&frame, &ev)
			select {
			case params.Events <- ev:
			default:
			}
		} else {
			verdict, _ = params.Pipeline.Process(&frame)
		}

		if verdict != Transmit {
			continue
		}
		if err := params.Conn.WriteFrame(frame.Bytes()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("worker %d: failed to transmit %d bytes: %s", id, frame.Len(), err)
		}
	}
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
