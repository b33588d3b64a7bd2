package lb

import (
	"context"
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"l4lb/flows"
)

type LoadBalancer interface {
	Start() error
	Stop() error
}

// PacketLoadBalancer runs the datapath over a PacketConn. When Conn is nil,
// Start opens a raw socket on Config.Interface.
type PacketLoadBalancer struct {
	Config *Config
	Conn   PacketConn

	mu       sync.Mutex
	pipeline *Pipeline
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func (lb *PacketLoadBalancer) Start() error {
	if lb.Config == nil {
		return errors.New("no config found")
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.cancel != nil {
		return errors.New("load balancer already started")
	}

	var clock func() uint64
	if lb.Config.FlowTTL > 0 {
		clock = GetMonoNowNano
	}
	pipeline, err := NewPipeline(lb.Config, clock)
	if err != nil {
		return err
	}

	conn := lb.Conn
	if conn == nil {
		conn, err = OpenPacketConn(lb.Config.Interface)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	params := ListenerParams{
		Conn:     conn,
		Pipeline: pipeline,
		Workers:  lb.Config.Workers,
		Headroom: lb.Config.Headroom,
	}
	if lb.Config.Debug {
		events := make(chan Event, 1024)
		params.Events = events
		g.Go(func() error {
			ReadEvents(gctx, events)
			return nil
		})
	}
	if lb.Config.FlowTTL > 0 {
		cleaner := NewConnectionCleaner(pipeline.Director().Flows(), lb.Config.FlowTTL, clock, pipeline.Metrics())
		g.Go(func() error {
			cleaner.CleanLoop(gctx)
			return nil
		})
	}
	if lb.Config.MetricsAddr != "" {
		g.Go(func() error {
			return StartMetricsServer(gctx, lb.Config.MetricsAddr, pipeline.Metrics())
		})
	}
	g.Go(func() error {
		return Listen(gctx, params)
	})

	lb.pipeline = pipeline
	lb.cancel = cancel
	lb.group = g
	log.Infof("started load balancer for %s with %d backends", lb.Config.VIPAddr, len(lb.Config.Backends))
	return nil
}

// Wait blocks until the load balancer stops on its own or through Stop and
// returns the first error that stopped it.
func (lb *PacketLoadBalancer) Wait() error {
	lb.mu.Lock()
	g := lb.group
	lb.mu.Unlock()
	if g == nil {
		return errors.New("load balancer not started")
	}
	return g.Wait()
}

func (lb *PacketLoadBalancer) Stop() error {
	lb.mu.Lock()
	cancel, g := lb.cancel, lb.group
	lb.mu.Unlock()
	if cancel == nil {
		return nil
	}

	log.Infof("stopping load balancer")
	cancel()
	err := g.Wait()
	for _, s := range lb.pipeline.Stats() {
		log.Infof("backend %d (%v): flows=%d packets=%d", s.Index, net.IP(s.Addr[:]), s.NumFlows, s.NumPackets)
	}
	if lb.Config.Debug {
		logFlows(lb.pipeline.Director().Flows())
	}
	return err
}

// logFlows dumps every stored flow assignment at debug level.
func logFlows(dir *flows.Directory) {
	log.Debugf("%d/%d flows assigned", dir.Len(), dir.Capacity())
	dir.Range(func(k flows.Key, backend int, lastUsed uint64) bool {
		log.Debugf("LB-FLOW: %s -> backend %d, last used %d", k, backend, lastUsed)
		return true
	})
}

// Pipeline returns the running datapath, or nil before Start.
func (lb *PacketLoadBalancer) Pipeline() *Pipeline {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.pipeline
}
