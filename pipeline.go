package lb

import (
	"l4lb/backends"
	"l4lb/encap"
	"l4lb/flows"
	"l4lb/header"
)

// Pipeline runs the per-frame datapath:
//
//	decode -> (not IPv4/UDP for the VIP: Ignore) -> direct -> encapsulate -> verdict
//
// Process is safe for concurrent use; each call must own the frame it is
// given.
type Pipeline struct {
	vip      [4]byte
	director *Director
	metrics  *Metrics
}

// NewPipeline builds the backend table and flow directory from conf. The
// optional clock stamps flow assignments for the idle flow cleaner.
func NewPipeline(conf *Config, clock func() uint64) (*Pipeline, error) {
	table, err := backends.NewTable(conf.Backends)
	if err != nil {
		return nil, err
	}

	var opts []flows.Option
	if clock != nil {
		opts = append(opts, flows.WithClock(clock))
	}
	dir := flows.NewDirectory(conf.FlowCapacity, opts...)

	return &Pipeline{
		vip:      conf.VIP,
		director: NewDirector(table, dir, LeastLoaded{}),
		metrics:  NewMetrics(table, dir),
	}, nil
}

// Process handles one frame and returns its verdict. On Transmit f holds
// the encapsulated frame. On Ignore f is unchanged. The error explains an
// Ignore or Drop and is nil on Transmit.
func (p *Pipeline) Process(f *encap.Frame) (Verdict, error) {
	return p.ProcessTraced(f, nil)
}

// ProcessTraced is Process that also fills ev, when not nil, with what
// happened to the frame.
func (p *Pipeline) ProcessTraced(f *encap.Frame, ev *Event) (Verdict, error) {
	err := p.process(f, ev)
	v := VerdictFor(err)
	p.metrics.observe(v)
	if ev != nil {
		ev.Verdict = v
		ev.Err = err
	}
	return v, err
}

func (p *Pipeline) process(f *encap.Frame, ev *Event) error {
	var pkt header.Packet
	data := f.Bytes()
	if err := pkt.DecodeIPv4(data); err != nil {
		return err
	}
	// Broken UDP addressed to someone else is still not ours.
	if pkt.IP.Dst != p.vip {
		return errNotForVIP
	}
	if err := pkt.DecodeUDP(data); err != nil {
		return err
	}
	if ev != nil {
		ev.setPacket(&pkt)
	}
	// Every reason to drop must be known before the director updates the
	// counters and the directory.
	if err := encap.Check(f, &pkt); err != nil {
		return err
	}

	decision, err := p.director.Direct(flows.KeyOf(&pkt))
	if err != nil {
		return err
	}
	if decision.NewFlow && !decision.Persisted {
		p.metrics.affinityFailures.Inc()
	}
	if ev != nil {
		ev.setDecision(decision)
	}

	return encap.Encapsulate(f, &pkt, decision.Backend.Addr)
}

func (p *Pipeline) Director() *Director {
	return p.director
}

func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Stats returns a snapshot of the backend counters.
func (p *Pipeline) Stats() []backends.Stats {
	return p.director.Backends().Snapshot()
}
