package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/service"
)

func testConfig(enabled bool) *config.Config {
	cfg := config.DefaultConfig()
	cfg.EnableDataCollection = true
	cfg.Metrics.Enabled = enabled
	cfg.Metrics.IntervalSeconds = 60
	cfg.SetDefaults()
	return cfg
}

func newPlugin(t *testing.T, cfg *config.Config) (*Plugin, *config.Store, afero.Fs, *service.Recorder) {
	t.Helper()
	fs := afero.NewMemMapFs()
	services := service.NewRecorder()
	services.Running[Unit] = true
	store := config.NewStaticStore(cfg)

	p, err := Init(context.Background(), &plugins.Deps{
		Config:   store,
		Logger:   zaptest.NewLogger(t),
		Fs:       fs,
		Services: services,
	})
	require.NoError(t, err)

	plugin := p.(*Plugin)
	plugin.sleep = func(context.Context, time.Duration) error { return nil }
	return plugin, store, fs, services
}

func TestRender(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		wantEmpty  bool
		wantFooter []string
	}{
		{
			name:      "metrics disabled",
			mutate:    func(c *config.Config) { c.Metrics.Enabled = false },
			wantEmpty: true,
		},
		{
			name:      "data collection disabled",
			mutate:    func(c *config.Config) { c.EnableDataCollection = false },
			wantEmpty: true,
		},
		{
			name: "stop target",
			wantFooter: []string{
				`URL "http://127.0.0.1:8787/v1/collectd"`,
				"FlushInterval 60",
				`Target "stop"`,
			},
		},
		{
			name:   "jump to user chain",
			mutate: func(c *config.Config) { c.Metrics.NonMemfaultdChain = "UserChain" },
			wantFooter: []string{
				`<Target "jump">`,
				`Chain "UserChain"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(true)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			header, footer, err := Render(cfg)
			require.NoError(t, err)

			if tt.wantEmpty {
				assert.Empty(t, header)
				assert.Empty(t, footer)
				return
			}
			assert.Equal(t, "Interval 60\n\n", string(header))
			for _, want := range tt.wantFooter {
				assert.Contains(t, string(footer), want)
			}
		})
	}
}

func TestInitWritesIncludesAndRestartsCollectd(t *testing.T) {
	cfg := testConfig(true)
	_, _, fs, services := newPlugin(t, cfg)

	header, err := afero.ReadFile(fs, cfg.Metrics.HeaderIncludeOutputFile)
	require.NoError(t, err)
	assert.Equal(t, "Interval 60\n\n", string(header))

	footer, err := afero.ReadFile(fs, cfg.Metrics.FooterIncludeOutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(footer), "<Plugin write_http>")

	assert.Equal(t, []string{"restart collectd.service"}, services.Calls())
}

func TestReloadRestartsOnlyOnChange(t *testing.T) {
	cfg := testConfig(true)
	p, store, fs, services := newPlugin(t, cfg)
	ctx := context.Background()

	require.NoError(t, p.Reload(ctx))
	assert.Len(t, services.Calls(), 1, "unchanged files must not restart collectd")

	disabled := *cfg
	disabled.Metrics.Enabled = false
	store.Set(&disabled)
	require.NoError(t, p.Reload(ctx))
	assert.Len(t, services.Calls(), 2)

	header, err := afero.ReadFile(fs, cfg.Metrics.HeaderIncludeOutputFile)
	require.NoError(t, err)
	assert.Empty(t, header)

	require.NoError(t, p.Reload(ctx))
	assert.Len(t, services.Calls(), 2)
}

func TestHandleMessageFlushesCollectd(t *testing.T) {
	p, _, _, services := newPlugin(t, testConfig(true))

	var slept time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	require.NoError(t, p.HandleMessage(context.Background(), &ipc.Message{Tag: Tag}))
	assert.Equal(t, time.Second, slept)
	assert.Equal(t, []string{
		"restart collectd.service",
		"restart collectd.service",
		"kill collectd.service 10",
	}, services.Calls())
}

func TestHandleMessageIgnoredWhenDisabled(t *testing.T) {
	p, _, _, services := newPlugin(t, testConfig(false))
	before := len(services.Calls())

	require.NoError(t, p.HandleMessage(context.Background(), &ipc.Message{Tag: Tag}))
	assert.Len(t, services.Calls(), before)
}

func TestHandleMessageStopsOnCancel(t *testing.T) {
	p, _, _, services := newPlugin(t, testConfig(true))
	p.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.HandleMessage(ctx, &ipc.Message{Tag: Tag}), context.Canceled)
	assert.NotContains(t, services.Calls(), "kill collectd.service 10")
}
