package lb

import (
	"net"
	"os"
	"time"

	validator "github.com/asaskevich/govalidator"
	byteorder "github.com/moolen/udplb/byteorder"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"l4lb/backends"
	"l4lb/encap"
	"l4lb/flows"
	"l4lb/header"
)

type RawBackend struct {
	Ip string `yaml:"ip"`
}

type RawConfig struct {
	Vip          string       `yaml:"vip"`
	Interface    string       `yaml:"interface"`
	Backends     []RawBackend `yaml:"backends"`
	Workers      int          `yaml:"workers"`
	FlowCapacity int          `yaml:"flowCapacity"`
	FlowTTLSec   uint64       `yaml:"flowTTLSec"`
	Headroom     int          `yaml:"headroom"`
	MetricsAddr  string       `yaml:"metricsAddr"`
	Debug        bool         `yaml:"debug"`
}

// Config is built once at startup and never modified afterwards.
type Config struct {
	VIP          [4]byte
	VIPAddr      net.IP
	Interface    string
	Backends     [][4]byte
	BackendAddrs []net.IP
	Workers      int
	FlowCapacity int
	// FlowTTL is zero when flows never expire.
	FlowTTL     time.Duration
	Headroom    int
	MetricsAddr string
	Debug       bool
}

func ParseConfig(configFile string) (*Config, error) {
	yamlFile, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfigBytes(yamlFile)
}

func ParseConfigBytes(data []byte) (*Config, error) {
	var rawConf RawConfig
	if err := yaml.UnmarshalStrict(data, &rawConf); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return rawConf.Build()
}

// Build validates the raw values and converts addresses to network order.
func (rawConf *RawConfig) Build() (*Config, error) {
	var conf Config

	vip, err := parseIPv4(rawConf.Vip)
	if err != nil {
		return nil, errors.Wrap(err, "vip")
	}
	conf.VIPAddr = vip
	conf.VIP = byteorder.HtonIP(vip)

	if len(rawConf.Backends) == 0 {
		return nil, errors.New("no backends configured")
	}
	if len(rawConf.Backends) > backends.MaxBackends {
		return nil, errors.Errorf("%d backends configured, at most %d allowed",
			len(rawConf.Backends), backends.MaxBackends)
	}

	seen := make(map[string]bool)
	for i, backend := range rawConf.Backends {
		ip, err := parseIPv4(backend.Ip)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %d", i)
		}
		if seen[ip.String()] {
			log.Warnf("duplicate backend: %s", ip)
		}
		seen[ip.String()] = true
		conf.BackendAddrs = append(conf.BackendAddrs, ip)
		conf.Backends = append(conf.Backends, byteorder.HtonIP(ip))
	}

	conf.Interface = rawConf.Interface

	conf.Workers = rawConf.Workers
	if conf.Workers <= 0 {
		conf.Workers = 1
	}

	conf.FlowCapacity = rawConf.FlowCapacity
	if conf.FlowCapacity < 0 {
		return nil, errors.Errorf("flowCapacity must not be negative, got %d", rawConf.FlowCapacity)
	}
	if conf.FlowCapacity == 0 {
		conf.FlowCapacity = flows.DefaultCapacity
	}

	conf.FlowTTL = time.Duration(rawConf.FlowTTLSec) * time.Second

	conf.Headroom = rawConf.Headroom
	if conf.Headroom == 0 {
		conf.Headroom = encap.DefaultHeadroom
	}
	if conf.Headroom < header.IPv4MinLen {
		return nil, errors.Errorf("headroom must be at least %d bytes, got %d", header.IPv4MinLen, conf.Headroom)
	}

	conf.MetricsAddr = rawConf.MetricsAddr
	conf.Debug = rawConf.Debug

	log.Debugf("%+v", conf)
	return &conf, nil
}

func parseIPv4(s string) (net.IP, error) {
	if !validator.IsIPv4(s) {
		return nil, errors.Errorf("%q is not an IPv4 address", s)
	}
	return net.ParseIP(s).To4(), nil
}
