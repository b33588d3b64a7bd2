package lb

import (
	"io"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"l4lb/encap"
	"l4lb/header"
)

type ReplayStats struct {
	Frames   int
	Verdicts [numVerdicts]int
}

func (s ReplayStats) Count(v Verdict) int {
	if v < 0 || v >= numVerdicts {
		return 0
	}
	return s.Verdicts[v]
}

// Replay runs every frame of an Ethernet pcap capture through p and writes
// the frames that get a Transmit verdict, encapsulated, to out as a new
// capture.
func Replay(in io.Reader, out io.Writer, p *Pipeline, headroom int) (ReplayStats, error) {
	var stats ReplayStats
	if headroom < header.IPv4MinLen {
		headroom = encap.DefaultHeadroom
	}

	r, err := pcapgo.NewReader(in)
	if err != nil {
		return stats, errors.Wrap(err, "read capture header")
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		return stats, errors.Errorf("unsupported link type: %s", r.LinkType())
	}

	w := pcapgo.NewWriter(out)
	snaplen := r.Snaplen() + header.IPv4MinLen
	if err := w.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return stats, errors.Wrap(err, "write capture header")
	}

	var frame encap.Frame
	var buf []byte
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.Wrapf(err, "read frame %d", stats.Frames+1)
		}
		stats.Frames++

		if need := headroom + len(data); need > len(buf) {
			buf = make([]byte, need)
		}
		copy(buf[headroom:], data)
		frame.Reset(buf, headroom, len(data))

		v, perr := p.Process(&frame)
		stats.Verdicts[v]++
		if v != Transmit {
			log.Debugf("frame %d: %s: %v", stats.Frames, v, perr)
			continue
		}

		ci.CaptureLength = frame.Len()
		ci.Length += frame.Len() - len(data)
		if err := w.WritePacket(ci, frame.Bytes()); err != nil {
			return stats, errors.Wrapf(err, "write frame %d", stats.Frames)
		}
	}
	return stats, nil
}
