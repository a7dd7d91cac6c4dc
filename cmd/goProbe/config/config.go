/////////////////////////////////////////////////////////////////////////////////
//
// config.go
//
// Written by Lorenz Breidenbach lob@open.ch, December 2015
// Copyright (c) 2015 Open Systems AG, Switzerland
// All Rights Reserved.
//
/////////////////////////////////////////////////////////////////////////////////

// Package config is for parsing flowprobe config files.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/els0r/goProbe/v4/pkg/export"
)

// the validator interface is a contract to show if a concrete type is
// configured according to its predefined value range
type validator interface {
	validate() error
}

// Config stores flowprobe's configuration
type Config struct {
	sync.Mutex
	Interfaces Ifaces     `json:"interfaces"`
	Export     Export     `json:"export"`
	Logging    LogConfig  `json:"logging"`
	API        *APIConfig `json:"api"`
}

// CaptureConfig holds the per-interface capture and decode settings.
type CaptureConfig struct {
	Promisc bool `json:"promisc"`
	Snaplen int  `json:"snaplen"`

	BPFFilter string `json:"bpf_filter"`

	TunnelMode           bool                          `json:"tunnel_mode"`
	ICMPPortSubstitution bool                          `json:"icmp_port_substitution"`
	Aggregation          capturetypes.AggregationPolicy `json:"aggregation"`

	// SmartUDPFragments short-circuits fragment reassembly for UDP: a
	// non-initial fragment is dropped outright, and the initial fragment is
	// forwarded immediately, credited with an approximation of the
	// datagram's total size instead of waiting for the full chain (spec
	// §4.2 "smart UDP fragment" mode).
	SmartUDPFragments bool `json:"smart_udp_frags"`
}

// DefaultSnaplen is used when a CaptureConfig does not specify one.
const DefaultSnaplen = 256

// defaultTemplateID is the template ID assigned to the default flow record
// layout used when no template string is configured.
const defaultTemplateID = 256

// Ifaces stores the per-interface configuration
type Ifaces map[string]CaptureConfig

// Export stores the flow export pipeline's configuration.
type Export struct {
	Version                 export.Version `json:"version"`
	Collectors              []string       `json:"collectors"`
	Transport               string         `json:"transport"`
	Template                string         `json:"template"`
	SendInterval            time.Duration  `json:"send_interval"`
	TemplateRetransmitEvery int            `json:"template_retransmit_every"`
	MinFlowsPerPacket       int            `json:"min_flows_per_packet"`
	MaxFlowsPerPacket       int            `json:"max_flows_per_packet"`

	ScanInterval time.Duration `json:"scan_interval"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	MaxLifetime  time.Duration `json:"max_lifetime"`

	NumShards     int `json:"num_shards"`
	NumBuckets    int `json:"num_buckets"`
	WorkerThreads int `json:"worker_threads"`

	SampleRate int `json:"sample_rate"`

	// SpoolPath, if non-empty, enables disk spill-over of export packets
	// that could not be delivered to any collector.
	SpoolPath string `json:"spool_path"`

	// Reflector, when true, sends every export datagram to all configured
	// collectors instead of round-robin dispatch (spec §4.6).
	Reflector bool `json:"reflector"`

	// MaxActiveFlows caps the number of live records per flow-hash shard
	// (spec §4.4); 0 means unlimited.
	MaxActiveFlows int `json:"max_active_flows"`

	// BidirectionalMerge enables folding both directions of a fingerprint
	// into a single record (spec §4.4). Always treated as disabled under
	// NetFlow v5, which is inherently unidirectional, regardless of this
	// setting.
	BidirectionalMerge bool `json:"bidirectional_merge"`

	// Plugins names the registered pkg/plugin extensions to activate, in
	// dispatch order (spec §4.7).
	Plugins []string `json:"plugins"`
}

// LogConfig stores the logging configuration
type LogConfig struct {
	Destination string `json:"destination"`
	Level       string `json:"level"`
	Encoding    string `json:"encoding"`
}

// APIConfig stores flowprobe's API configuration
type APIConfig struct {
	Host      string          `json:"host"`
	Port      string          `json:"port"`
	Metrics   bool            `json:"metrics"`
	Logging   bool            `json:"request_logging"`
	Timeout   int             `json:"request_timeout"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig bounds the request rate accepted by the status API.
// MaxReqPerSecond <= 0 disables the limiter.
type RateLimitConfig struct {
	MaxReqPerSecond float64 `json:"max_req_per_sec"`
	MaxBurst        int     `json:"max_burst"`
}

// New creates a new configuration struct with default settings
func New() *Config {
	return &Config{
		Interfaces: make(Ifaces),
		Export: Export{
			Version:                 export.VersionV9,
			Transport:               "udp",
			Template:                "",
			SendInterval:            time.Second,
			TemplateRetransmitEvery: 10,
			MinFlowsPerPacket:       1,
			MaxFlowsPerPacket:       30,
			ScanInterval:            10 * time.Second,
			IdleTimeout:             15 * time.Second,
			MaxLifetime:             30 * time.Minute,
			NumShards:               16,
			NumBuckets:              1024,
			WorkerThreads:           4,
			SampleRate:              1,
			BidirectionalMerge:      true,
		},
		Logging: LogConfig{
			Encoding: "logfmt",
			Level:    "info",
		},
		API: &APIConfig{
			Host: "localhost",
			Port: "6060",
		},
	}
}

func (l LogConfig) validate() error {
	return nil
}

func (a APIConfig) validate() error {
	if a.Port == "" {
		return fmt.Errorf("no port specified for API server")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("the request timeout must not be negative")
	}
	if a.RateLimit.MaxReqPerSecond < 0 {
		return fmt.Errorf("max_req_per_sec must not be negative")
	}
	if a.RateLimit.MaxReqPerSecond > 0 && a.RateLimit.MaxBurst <= 0 {
		return fmt.Errorf("max_burst must be positive when a rate limit is set")
	}
	return nil
}

func (c CaptureConfig) validate() error {
	if c.Snaplen < 0 {
		return fmt.Errorf("snaplen must not be negative")
	}
	return nil
}

func (i Ifaces) validate() error {
	if len(i) == 0 {
		return fmt.Errorf("no interfaces were specified")
	}

	for iface, cc := range i {
		if err := cc.validate(); err != nil {
			return fmt.Errorf("%s: %w", iface, err)
		}
	}
	return nil
}

// Validate validates the interfaces configuration
func (i Ifaces) Validate() error {
	return i.validate()
}

func (e Export) validate() error {
	if len(e.Collectors) == 0 {
		return fmt.Errorf("at least one collector must be configured")
	}
	if e.Template != "" {
		if _, err := export.ParseTemplateString(e.Template, defaultTemplateID); err != nil {
			return fmt.Errorf("invalid template: %w", err)
		}
	}
	if e.MinFlowsPerPacket <= 0 || e.MaxFlowsPerPacket < e.MinFlowsPerPacket {
		return fmt.Errorf("invalid min/max flows per packet bounds")
	}
	if e.NumShards <= 0 || e.NumBuckets <= 0 || e.WorkerThreads <= 0 {
		return fmt.Errorf("num_shards, num_buckets and worker_threads must be positive")
	}
	if e.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive")
	}
	if e.MaxActiveFlows < 0 {
		return fmt.Errorf("max_active_flows must not be negative")
	}
	return nil
}

// ResolvedTemplate returns the configured export template, falling back to
// export.DefaultTemplate when none was specified.
func (e Export) ResolvedTemplate() (export.Template, error) {
	if e.Template == "" {
		return export.DefaultTemplate, nil
	}
	return export.ParseTemplateString(e.Template, defaultTemplateID)
}

// Validate checks all config parameters
func (c *Config) Validate() error {
	for _, section := range []validator{
		c.Interfaces,
		c.Export,
		c.Logging,
		c.API,
	} {
		if err := section.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseFile reads in a configuration from a file at `path`.
func ParseFile(path string) (*Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	return Parse(fd)
}

// Parse attempts to read the configuration from an io.Reader
func Parse(src io.Reader) (*Config, error) {
	cfg := New()
	if err := json.NewDecoder(src).Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
