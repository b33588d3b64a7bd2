package lb

import (
	"errors"

	"l4lb/header"
)

// Verdict is the final disposition of a frame.
type Verdict int

const (
	// Ignore hands the frame, unmodified, to the regular network stack.
	Ignore Verdict = iota
	// Drop discards the frame.
	Drop
	// Transmit sends the rewritten frame out the interface it came in on.
	Transmit

	numVerdicts
)

func (v Verdict) String() string {
	switch v {
	case Ignore:
		return "ignore"
	case Drop:
		return "drop"
	case Transmit:
		return "transmit"
	default:
		return "unknown"
	}
}

// errNotForVIP marks IPv4/UDP traffic addressed to someone else.
var errNotForVIP = errors.New("destination is not the virtual ip")

// VerdictFor maps the outcome of processing a frame to its verdict.
//
//	nil                          -> Transmit
//	not IPv4/UDP, not for the VIP -> Ignore
//	anything else                -> Drop
func VerdictFor(err error) Verdict {
	switch {
	case err == nil:
		return Transmit
	case errors.Is(err, header.ErrUnsupportedProtocol), errors.Is(err, errNotForVIP):
		return Ignore
	default:
		return Drop
	}
}
