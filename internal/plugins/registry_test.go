package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/faultd/internal/ipc"
)

type fakePlugin struct {
	name      string
	handled   []string
	reloads   int
	destroyed *[]string
	handleErr error
	reloadErr error
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) HandleMessage(ctx context.Context, msg *ipc.Message) error {
	p.handled = append(p.handled, msg.Tag)
	return p.handleErr
}

func (p *fakePlugin) Reload(ctx context.Context) error {
	p.reloads++
	return p.reloadErr
}

func (p *fakePlugin) Destroy(ctx context.Context) error {
	if p.destroyed != nil {
		*p.destroyed = append(*p.destroyed, p.name)
	}
	return nil
}

// silentPlugin implements none of the optional interfaces
type silentPlugin struct{}

func (silentPlugin) Name() string { return "silent" }

func initWith(p Plugin) InitFunc {
	return func(ctx context.Context, deps *Deps) (Plugin, error) { return p, nil }
}

func newTestRegistry(t *testing.T, descs []Descriptor) *Registry {
	t.Helper()
	return NewRegistry(context.Background(), descs, &Deps{Logger: zaptest.NewLogger(t)})
}

func TestRegistryInitFailuresDisableOnlyThatPlugin(t *testing.T) {
	good := &fakePlugin{name: "good"}
	r := newTestRegistry(t, []Descriptor{
		{Name: "broken", Tag: "A", Init: func(ctx context.Context, deps *Deps) (Plugin, error) {
			return nil, errors.New("no hardware")
		}},
		{Name: "panicky", Tag: "A", Init: func(ctx context.Context, deps *Deps) (Plugin, error) {
			panic("boom")
		}},
		{Name: "nil", Tag: "A", Init: func(ctx context.Context, deps *Deps) (Plugin, error) {
			return nil, nil
		}},
		{Name: "missing", Tag: "A"},
		{Name: "good", Tag: "A", Init: initWith(good)},
	})

	status := r.Plugins()
	require.Len(t, status, 5)
	assert.False(t, status[0].Enabled)
	assert.Contains(t, status[0].Error, "no hardware")
	assert.False(t, status[1].Enabled)
	assert.Contains(t, status[1].Error, "panic")
	assert.False(t, status[2].Enabled)
	assert.False(t, status[3].Enabled)
	assert.True(t, status[4].Enabled)
	assert.Empty(t, status[4].Error)

	handled, err := r.Dispatch(context.Background(), &ipc.Message{Tag: "A"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"A"}, good.handled)
}

func TestRegistryDispatch(t *testing.T) {
	first := &fakePlugin{name: "first"}
	second := &fakePlugin{name: "second"}
	untagged := &fakePlugin{name: "untagged"}
	failing := &fakePlugin{name: "failing", handleErr: errors.New("disk full")}

	r := newTestRegistry(t, []Descriptor{
		{Name: "untagged", Init: initWith(untagged)},
		{Name: "silent", Tag: "CORE", Init: initWith(silentPlugin{})},
		{Name: "first", Tag: "CORE", Init: initWith(first)},
		{Name: "second", Tag: "CORE", Init: initWith(second)},
		{Name: "failing", Tag: "FAIL", Init: initWith(failing)},
	})
	ctx := context.Background()

	tests := []struct {
		name        string
		tag         string
		wantHandled bool
		wantErr     bool
	}{
		{name: "first match wins", tag: "CORE", wantHandled: true},
		{name: "unknown tag", tag: "NOPE", wantHandled: false},
		{name: "empty tag never reaches untagged plugins", tag: "", wantHandled: false},
		{name: "handler error", tag: "FAIL", wantHandled: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled, err := r.Dispatch(ctx, &ipc.Message{Tag: tt.tag})
			assert.Equal(t, tt.wantHandled, handled)
			if tt.wantErr {
				assert.ErrorContains(t, err, "failing")
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, []string{"CORE"}, first.handled)
	assert.Empty(t, second.handled)
	assert.Empty(t, untagged.handled)
}

func TestRegistryReloadContinuesPastFailures(t *testing.T) {
	a := &fakePlugin{name: "a", reloadErr: errors.New("bad file")}
	b := &fakePlugin{name: "b"}
	r := newTestRegistry(t, []Descriptor{
		{Name: "a", Init: initWith(a)},
		{Name: "silent", Init: initWith(silentPlugin{})},
		{Name: "b", Init: initWith(b)},
	})

	r.ReloadAll(context.Background())
	assert.Equal(t, 1, a.reloads)
	assert.Equal(t, 1, b.reloads)
}

func TestRegistryDestroyAllReverseOrderOnce(t *testing.T) {
	var destroyed []string
	a := &fakePlugin{name: "a", destroyed: &destroyed}
	b := &fakePlugin{name: "b", destroyed: &destroyed}
	c := &fakePlugin{name: "c", destroyed: &destroyed}
	r := newTestRegistry(t, []Descriptor{
		{Name: "a", Tag: "A", Init: initWith(a)},
		{Name: "b", Init: initWith(b)},
		{Name: "c", Init: initWith(c)},
	})

	ctx := context.Background()
	r.DestroyAll(ctx)
	r.DestroyAll(ctx)
	assert.Equal(t, []string{"c", "b", "a"}, destroyed)

	handled, err := r.Dispatch(ctx, &ipc.Message{Tag: "A"})
	require.NoError(t, err)
	assert.False(t, handled)

	for _, s := range r.Plugins() {
		assert.False(t, s.Enabled)
	}
}
