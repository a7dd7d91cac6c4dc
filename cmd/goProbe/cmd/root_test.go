package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gpconf "github.com/els0r/goProbe/v4/cmd/goProbe/config"
	"github.com/els0r/goProbe/v4/pkg/export"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		configFile    string
		configContent string
		check         func(t *testing.T, cfg *gpconf.Config)
		expectError   bool
	}{
		{
			name: "all flags set",
			configFile: "test-config.json",
			configContent: `{"interfaces": {"eth0": {}}}`,
			args: []string{
				"--export.version=9",
				"--export.collectors=127.0.0.1:2055,127.0.0.1:2056",
				"--export.transport=tcp",
				"--export.num_shards=8",
				"--export.num_buckets=512",
				"--export.worker_threads=2",
				"--export.sample_rate=10",
				"--api.host=0.0.0.0",
				"--api.port=8145",
				"--api.metrics=true",
			},
			check: func(t *testing.T, cfg *gpconf.Config) {
				assert.Equal(t, export.VersionV9, cfg.Export.Version)
				assert.Equal(t, []string{"127.0.0.1:2055", "127.0.0.1:2056"}, cfg.Export.Collectors)
				assert.Equal(t, "tcp", cfg.Export.Transport)
				assert.Equal(t, 8, cfg.Export.NumShards)
				assert.Equal(t, 512, cfg.Export.NumBuckets)
				assert.Equal(t, 2, cfg.Export.WorkerThreads)
				assert.Equal(t, 10, cfg.Export.SampleRate)
				assert.Equal(t, "0.0.0.0", cfg.API.Host)
				assert.Equal(t, "8145", cfg.API.Port)
				assert.True(t, cfg.API.Metrics)
			},
		},
		{
			name: "reflector and plugin flags",
			configFile: "test-config.json",
			configContent: `{"interfaces": {"eth0": {}}}`,
			args: []string{
				"--export.collectors=127.0.0.1:2055,127.0.0.1:2056",
				"--export.reflector=true",
				"--export.max_active_flows=10000",
				"--export.bidirectional_merge=false",
				"--export.plugins=geoip,asn",
			},
			check: func(t *testing.T, cfg *gpconf.Config) {
				assert.True(t, cfg.Export.Reflector)
				assert.Equal(t, 10000, cfg.Export.MaxActiveFlows)
				assert.False(t, cfg.Export.BidirectionalMerge)
				assert.Equal(t, []string{"geoip", "asn"}, cfg.Export.Plugins)
			},
		},
		{
			name: "config file flag",
			args: []string{},
			configFile: "test-config.json",
			configContent: `{
				"interfaces": {"eth0": {"promisc": true, "snaplen": 128}},
				"export": {
					"version": 10,
					"collectors": ["10.0.0.1:4739"],
					"transport": "udp",
					"min_flows_per_packet": 1,
					"max_flows_per_packet": 20,
					"num_shards": 4,
					"num_buckets": 256,
					"worker_threads": 2,
					"sample_rate": 1
				}
			}`,
			check: func(t *testing.T, cfg *gpconf.Config) {
				assert.Equal(t, export.VersionIPFIX, cfg.Export.Version)
				assert.Equal(t, []string{"10.0.0.1:4739"}, cfg.Export.Collectors)
				require.Contains(t, cfg.Interfaces, "eth0")
				assert.True(t, cfg.Interfaces["eth0"].Promisc)
				assert.Equal(t, 128, cfg.Interfaces["eth0"].Snaplen)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()

			var tempDir string
			if tt.configFile != "" {
				var err error
				tempDir, err = os.MkdirTemp("", "flowprobe-test-*")
				require.NoError(t, err)
				t.Cleanup(func() {
					require.Nil(t, os.RemoveAll(tempDir))
				})

				configPath := filepath.Join(tempDir, tt.configFile)
				err = os.WriteFile(configPath, []byte(tt.configContent), 0644)
				require.NoError(t, err)

				tt.args = append([]string{"--config=" + configPath}, tt.args...)
			}

			var capturedCfg *gpconf.Config
			runFuncCalled := false

			testRunFunc := func(_ context.Context, cfg *gpconf.Config) error {
				runFuncCalled = true
				capturedCfg = cfg
				return nil
			}

			rootCmd, err := newRootCmd(testRunFunc)
			require.NoError(t, err)
			require.NotNil(t, rootCmd)

			rootCmd.SetArgs(tt.args)
			err = rootCmd.Execute()

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.True(t, runFuncCalled, "runFunc should have been called")
			require.NotNil(t, capturedCfg)

			tt.check(t, capturedCfg)
		})
	}
}
