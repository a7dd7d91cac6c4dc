package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"interfaces": {"eth0": {"promisc": true, "snaplen": 256}},
	"export": {
		"version": 9,
		"collectors": ["127.0.0.1:2055"],
		"transport": "udp",
		"min_flows_per_packet": 1,
		"max_flows_per_packet": 30,
		"num_shards": 4,
		"num_buckets": 256,
		"worker_threads": 2,
		"sample_rate": 1
	},
	"api": {"host": "localhost", "port": "6060"}
}`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(validConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Interfaces, 1)
	require.Equal(t, []string{"127.0.0.1:2055"}, cfg.Export.Collectors)
}

func TestParseMissingInterfacesFails(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"export": {"collectors": ["127.0.0.1:2055"], "min_flows_per_packet": 1, "max_flows_per_packet": 2, "num_shards": 1, "num_buckets": 1, "worker_threads": 1, "sample_rate": 1}}`))
	require.Error(t, err)
}

func TestParseMissingCollectorsFails(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"interfaces": {"eth0": {}}, "export": {"num_shards": 1, "num_buckets": 1, "worker_threads": 1, "sample_rate": 1, "min_flows_per_packet": 1, "max_flows_per_packet": 2}}`))
	require.Error(t, err)
}

func TestParseInvalidTemplateFails(t *testing.T) {
	_, err := Parse(strings.NewReader(`{
		"interfaces": {"eth0": {}},
		"export": {"collectors": ["127.0.0.1:2055"], "template": "%NOT_A_FIELD", "min_flows_per_packet": 1, "max_flows_per_packet": 2, "num_shards": 1, "num_buckets": 1, "worker_threads": 1, "sample_rate": 1}
	}`))
	require.Error(t, err)
}

func TestParseFaultyJSONFails(t *testing.T) {
	_, err := Parse(strings.NewReader(`{not json`))
	require.Error(t, err)
}

func TestResolvedTemplateFallsBackToDefault(t *testing.T) {
	e := Export{}
	tmpl, err := e.ResolvedTemplate()
	require.NoError(t, err)
	require.NotEmpty(t, tmpl.Fields)
}

func TestAPIConfigValidateRejectsRateLimitWithoutBurst(t *testing.T) {
	a := APIConfig{Port: "6060", RateLimit: RateLimitConfig{MaxReqPerSecond: 10}}
	require.Error(t, a.validate())
}

func TestAPIConfigValidateRejectsNegativeRateLimit(t *testing.T) {
	a := APIConfig{Port: "6060", RateLimit: RateLimitConfig{MaxReqPerSecond: -1}}
	require.Error(t, a.validate())
}

func TestAPIConfigValidateAcceptsRateLimitWithBurst(t *testing.T) {
	a := APIConfig{Port: "6060", RateLimit: RateLimitConfig{MaxReqPerSecond: 10, MaxBurst: 20}}
	require.NoError(t, a.validate())
}

func TestExportValidateRejectsNegativeMaxActiveFlows(t *testing.T) {
	e := Export{
		Collectors:        []string{"127.0.0.1:2055"},
		MinFlowsPerPacket: 1, MaxFlowsPerPacket: 2,
		NumShards: 1, NumBuckets: 1, WorkerThreads: 1, SampleRate: 1,
		MaxActiveFlows: -1,
	}
	require.Error(t, e.validate())
}

func TestNewDefaultsEnableBidirectionalMerge(t *testing.T) {
	cfg := New()
	require.True(t, cfg.Export.BidirectionalMerge)
}

func TestParseAcceptsReflectorAndPluginFields(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{
		"interfaces": {"eth0": {"smart_udp_frags": true}},
		"export": {
			"collectors": ["127.0.0.1:2055"],
			"min_flows_per_packet": 1, "max_flows_per_packet": 2,
			"num_shards": 1, "num_buckets": 1, "worker_threads": 1, "sample_rate": 1,
			"reflector": true,
			"max_active_flows": 5000,
			"bidirectional_merge": false,
			"plugins": ["geoip"]
		}
	}`))
	require.NoError(t, err)
	require.True(t, cfg.Export.Reflector)
	require.Equal(t, 5000, cfg.Export.MaxActiveFlows)
	require.False(t, cfg.Export.BidirectionalMerge)
	require.Equal(t, []string{"geoip"}, cfg.Export.Plugins)
	require.True(t, cfg.Interfaces["eth0"].SmartUDPFragments)
}
