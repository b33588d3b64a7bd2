package lb

import (
	"net"
	"strings"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l4lb/backends"
	"l4lb/encap"
	"l4lb/header"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	lbMAC     = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

func testConfig(t *testing.T, flowCapacity int) *Config {
	t.Helper()
	raw := RawConfig{
		Vip:          "10.0.0.100",
		Backends:     []RawBackend{{Ip: "10.0.0.1"}, {Ip: "10.0.0.2"}},
		FlowCapacity: flowCapacity,
	}
	conf, err := raw.Build()
	require.NoError(t, err)
	return conf
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(testConfig(t, 0), nil)
	require.NoError(t, err)
	return p
}

type frameOpts struct {
	src     net.IP
	dst     net.IP
	srcPort uint16
	dstPort uint16
	proto   layers.IPProtocol
}

func buildFrame(t *testing.T, o frameOpts) []byte {
	t.Helper()
	if o.src == nil {
		o.src = net.IPv4(192, 168, 1, 5)
	}
	if o.dst == nil {
		o.dst = net.IPv4(10, 0, 0, 100)
	}
	if o.srcPort == 0 {
		o.srcPort = 4000
	}
	if o.dstPort == 0 {
		o.dstPort = 53
	}
	if o.proto == 0 {
		o.proto = layers.IPProtocolUDP
	}

	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: lbMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: o.proto, SrcIP: o.src, DstIP: o.dst}

	var l4 gopacket.SerializableLayer
	switch o.proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(o.srcPort), DstPort: layers.TCPPort(o.dstPort), SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		l4 = tcp
	default:
		udp := &layers.UDP{SrcPort: layers.UDPPort(o.srcPort), DstPort: layers.UDPPort(o.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		l4 = udp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload("dns query")))
	return buf.Bytes()
}

func outerAndInner(t *testing.T, data []byte) (*layers.IPv4, *layers.IPv4) {
	t.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	var ips []*layers.IPv4
	for _, l := range pkt.Layers() {
		if ip, ok := l.(*layers.IPv4); ok {
			ips = append(ips, ip)
		}
	}
	require.Len(t, ips, 2)
	return ips[0], ips[1]
}

func stats(p *Pipeline, i int) backends.Stats {
	return p.Stats()[i]
}

func TestPipelineNewFlow(t *testing.T) {
	p := testPipeline(t)
	f := encap.NewFrame(buildFrame(t, frameOpts{}), encap.DefaultHeadroom)

	v, err := p.Process(f)
	require.NoError(t, err)
	assert.Equal(t, Transmit, v)

	assert.Equal(t, uint64(1), stats(p, 0).NumFlows)
	assert.Equal(t, uint64(1), stats(p, 0).NumPackets)
	assert.Zero(t, stats(p, 1).NumPackets)

	outer, inner := outerAndInner(t, f.Bytes())
	assert.Equal(t, layers.IPProtocolIPv4, outer.Protocol)
	assert.Equal(t, "10.0.0.1", outer.DstIP.String())
	assert.Equal(t, "192.168.1.5", outer.SrcIP.String())
	assert.Equal(t, uint8(63), inner.TTL)
	assert.Equal(t, "10.0.0.100", inner.DstIP.String())

	data := f.Bytes()
	assert.True(t, encap.ValidIPv4Checksum(data[header.EthLen:header.EthLen+header.IPv4MinLen]))
	assert.True(t, encap.ValidIPv4Checksum(data[header.EthLen+header.IPv4MinLen:header.EthLen+2*header.IPv4MinLen]))
}

func TestPipelineSameFlow(t *testing.T) {
	p := testPipeline(t)
	raw := buildFrame(t, frameOpts{})

	v, err := p.Process(encap.NewFrame(raw, encap.DefaultHeadroom))
	require.NoError(t, err)
	require.Equal(t, Transmit, v)

	// A different flow lands on the idle backend in between.
	v, err = p.Process(encap.NewFrame(buildFrame(t, frameOpts{srcPort: 4001}), encap.DefaultHeadroom))
	require.NoError(t, err)
	require.Equal(t, Transmit, v)
	assert.Equal(t, uint64(1), stats(p, 1).NumFlows)

	f := encap.NewFrame(raw, encap.DefaultHeadroom)
	v, err = p.Process(f)
	require.NoError(t, err)
	assert.Equal(t, Transmit, v)

	assert.Equal(t, uint64(1), stats(p, 0).NumFlows)
	assert.Equal(t, uint64(2), stats(p, 0).NumPackets)
	outer, _ := outerAndInner(t, f.Bytes())
	assert.Equal(t, "10.0.0.1", outer.DstIP.String())
}

func assertNoState(t *testing.T, p *Pipeline) {
	t.Helper()
	for _, s := range p.Stats() {
		assert.Zero(t, s.NumFlows, "backend %d flows", s.Index)
		assert.Zero(t, s.NumPackets, "backend %d packets", s.Index)
	}
	assert.Zero(t, p.Director().Flows().Len())
}

func TestPipelineIgnore(t *testing.T) {
	brokenUDP := buildFrame(t, frameOpts{dst: net.IPv4(10, 0, 0, 200)})
	brokenUDP[header.EthLen+header.IPv4MinLen+4] = 0
	brokenUDP[header.EthLen+header.IPv4MinLen+5] = 3

	tests := map[string][]byte{
		"tcp to vip":          buildFrame(t, frameOpts{proto: layers.IPProtocolTCP}),
		"udp to other":        buildFrame(t, frameOpts{dst: net.IPv4(10, 0, 0, 200)}),
		"broken udp to other": brokenUDP,
		"short udp to other":  buildFrame(t, frameOpts{dst: net.IPv4(10, 0, 0, 200)})[:header.EthLen+header.IPv4MinLen+4],
		"arp":                 append(make([]byte, 12), 0x08, 0x06, 0, 1, 8, 0, 6, 4, 0, 1),
		"ipv6 ethertype":      append(make([]byte, 12), 0x86, 0xdd, 0x60, 0, 0, 0),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			p := testPipeline(t)
			f := encap.NewFrame(raw, encap.DefaultHeadroom)

			v, err := p.Process(f)
			assert.Error(t, err)
			assert.Equal(t, Ignore, v)
			assert.Equal(t, raw, f.Bytes())
			assertNoState(t, p)
		})
	}
}

func TestPipelineDrop(t *testing.T) {
	expiredTTL := func(ttl byte) []byte {
		raw := buildFrame(t, frameOpts{})
		raw[header.EthLen+8] = ttl
		return raw
	}
	brokenUDP := buildFrame(t, frameOpts{})
	brokenUDP[header.EthLen+header.IPv4MinLen+4] = 0
	brokenUDP[header.EthLen+header.IPv4MinLen+5] = 4

	tests := []struct {
		name     string
		raw      []byte
		headroom int
		err      error
	}{
		{"truncated", buildFrame(t, frameOpts{})[:header.EthLen+10], encap.DefaultHeadroom, header.ErrTruncatedHeader},
		{"truncated udp", buildFrame(t, frameOpts{})[:header.EthLen+header.IPv4MinLen+4], encap.DefaultHeadroom, header.ErrTruncatedHeader},
		{"udp length", brokenUDP, encap.DefaultHeadroom, header.ErrMalformedLength},
		{"no headroom", buildFrame(t, frameOpts{}), 0, encap.ErrNoHeadroom},
		{"ttl expired", expiredTTL(1), encap.DefaultHeadroom, encap.ErrTTLExpired},
		{"ttl zero", expiredTTL(0), encap.DefaultHeadroom, encap.ErrTTLExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPipeline(t)
			f := encap.NewFrame(tt.raw, tt.headroom)

			v, err := p.Process(f)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, Drop, v)
			assert.Equal(t, tt.raw, f.Bytes())
			assertNoState(t, p)
			assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().verdicts[Drop]))
		})
	}
}

func TestPipelineDropThenForward(t *testing.T) {
	p := testPipeline(t)
	raw := buildFrame(t, frameOpts{})

	expired := append([]byte(nil), raw...)
	expired[header.EthLen+8] = 1
	v, err := p.Process(encap.NewFrame(expired, encap.DefaultHeadroom))
	require.ErrorIs(t, err, encap.ErrTTLExpired)
	require.Equal(t, Drop, v)

	// The dropped packet left no assignment: the same flow is new again.
	ev := Event{}
	v, err = p.ProcessTraced(encap.NewFrame(raw, encap.DefaultHeadroom), &ev)
	require.NoError(t, err)
	assert.Equal(t, Transmit, v)
	assert.True(t, ev.NewFlow)
	assert.True(t, ev.Persisted)
	assert.Equal(t, uint64(1), stats(p, 0).NumFlows)
	assert.Equal(t, uint64(1), stats(p, 0).NumPackets)
}

func TestPipelineDirectoryFull(t *testing.T) {
	p, err := NewPipeline(testConfig(t, 1), nil)
	require.NoError(t, err)

	for port := uint16(1); port <= 3; port++ {
		v, err := p.Process(encap.NewFrame(buildFrame(t, frameOpts{srcPort: port}), encap.DefaultHeadroom))
		require.NoError(t, err)
		assert.Equal(t, Transmit, v)
	}
	assert.Equal(t, 1, p.Director().Flows().Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(p.Metrics().affinityFailures))
}

func TestPipelineMetrics(t *testing.T) {
	p := testPipeline(t)
	_, _ = p.Process(encap.NewFrame(buildFrame(t, frameOpts{}), encap.DefaultHeadroom))
	_, _ = p.Process(encap.NewFrame(buildFrame(t, frameOpts{}), encap.DefaultHeadroom))
	_, _ = p.Process(encap.NewFrame(buildFrame(t, frameOpts{proto: layers.IPProtocolTCP}), encap.DefaultHeadroom))
	_, _ = p.Process(encap.NewFrame([]byte{1, 2, 3}, encap.DefaultHeadroom))

	assert.Equal(t, float64(2), testutil.ToFloat64(p.Metrics().verdicts[Transmit]))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().verdicts[Ignore]))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().verdicts[Drop]))

	expected := `
# HELP l4lb_backend_flows_total Flows assigned to a backend.
# TYPE l4lb_backend_flows_total counter
l4lb_backend_flows_total{address="10.0.0.1",backend="0"} 1
l4lb_backend_flows_total{address="10.0.0.2",backend="1"} 0
# HELP l4lb_backend_packets_total Packets forwarded to a backend.
# TYPE l4lb_backend_packets_total counter
l4lb_backend_packets_total{address="10.0.0.1",backend="0"} 2
l4lb_backend_packets_total{address="10.0.0.2",backend="1"} 0
# HELP l4lb_flow_directory_entries Flows with a stored backend assignment.
# TYPE l4lb_flow_directory_entries gauge
l4lb_flow_directory_entries 1
`
	require.NoError(t, testutil.GatherAndCompare(p.Metrics().Registry, strings.NewReader(expected),
		"l4lb_backend_flows_total", "l4lb_backend_packets_total", "l4lb_flow_directory_entries"))
}

func TestVerdictFor(t *testing.T) {
	assert.Equal(t, Transmit, VerdictFor(nil))
	assert.Equal(t, Ignore, VerdictFor(header.ErrUnsupportedProtocol))
	assert.Equal(t, Ignore, VerdictFor(errNotForVIP))
	assert.Equal(t, Drop, VerdictFor(header.ErrTruncatedHeader))
	assert.Equal(t, Drop, VerdictFor(header.ErrMalformedLength))
	assert.Equal(t, Drop, VerdictFor(encap.ErrNoHeadroom))
	assert.Equal(t, Drop, VerdictFor(encap.ErrTTLExpired))
	assert.Equal(t, Drop, VerdictFor(ErrNoBackend))
	assert.Equal(t, "transmit", Transmit.String())
}
