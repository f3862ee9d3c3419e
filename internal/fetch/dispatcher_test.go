package fetch

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/provider"
	"tilecache/internal/tile"
)

type outcome struct {
	kind string
	id   tile.ID
	img  *image.RGBA
}

type recordingCallback struct {
	mu       sync.Mutex
	outcomes []outcome
	done     chan struct{}
}

func newRecordingCallback(n int) *recordingCallback {
	return &recordingCallback{done: make(chan struct{}, n)}
}

func (c *recordingCallback) record(o outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *recordingCallback) OnResolved(req *provider.Request, img *image.RGBA) {
	c.record(outcome{"resolved", req.Tile, img})
}

func (c *recordingCallback) OnFailed(req *provider.Request) {
	c.record(outcome{"failed", req.Tile, nil})
}

func (c *recordingCallback) OnExpiredButUsable(req *provider.Request, img *image.RGBA) {
	c.record(outcome{"expired", req.Tile, img})
}

func (c *recordingCallback) wait(t *testing.T, n int) []outcome {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for outcome %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outcome(nil), c.outcomes...)
}

type fakeModule struct {
	name    string
	network bool
	result  Result
	err     error
	calls   int
	mu      sync.Mutex
	block   chan struct{}
}

func (m *fakeModule) Name() string      { return m.name }
func (m *fakeModule) UsesNetwork() bool { return m.network }

func (m *fakeModule) Load(ctx context.Context, req *provider.Request) (Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
	return m.result, m.err
}

func (m *fakeModule) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func img() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func newRequest(id tile.ID, allowNetwork bool) *provider.Request {
	return &provider.Request{ID: "r", Tile: id, CacheKey: "osm", TileSize: 4, AllowNetwork: allowNetwork}
}

func TestDispatcherOutcomes(t *testing.T) {
	freshImg, staleImg := img(), img()

	tests := []struct {
		name      string
		modules   []*fakeModule
		allowNet  bool
		wantKind  string
		wantImg   *image.RGBA
		wantCalls []int
	}{
		{
			name: "first fresh result wins",
			modules: []*fakeModule{
				{name: "disk", result: Result{Image: freshImg}},
				{name: "net", network: true, result: Result{Image: img()}},
			},
			allowNet:  true,
			wantKind:  "resolved",
			wantImg:   freshImg,
			wantCalls: []int{1, 0},
		},
		{
			name: "stale then fresh",
			modules: []*fakeModule{
				{name: "disk", result: Result{Image: staleImg, Stale: true}},
				{name: "net", network: true, result: Result{Image: freshImg}},
			},
			allowNet:  true,
			wantKind:  "resolved",
			wantImg:   freshImg,
			wantCalls: []int{1, 1},
		},
		{
			name: "stale then failure",
			modules: []*fakeModule{
				{name: "disk", result: Result{Image: staleImg, Stale: true}},
				{name: "net", network: true, err: errors.New("timeout")},
			},
			allowNet:  true,
			wantKind:  "expired",
			wantImg:   staleImg,
			wantCalls: []int{1, 1},
		},
		{
			name: "network module skipped when not allowed",
			modules: []*fakeModule{
				{name: "disk", err: ErrNotFound},
				{name: "net", network: true, result: Result{Image: freshImg}},
			},
			allowNet:  false,
			wantKind:  "failed",
			wantCalls: []int{1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mods := make([]Module, len(tt.modules))
			for i, m := range tt.modules {
				mods[i] = m
			}
			d := NewDispatcher(Config{Workers: 2, QueueSize: 4}, mods, nil)
			defer d.Close()

			cb := newRecordingCallback(1)
			id := tile.ID{Z: 3, X: 1, Y: 1}
			require.NoError(t, d.Fetch(newRequest(id, tt.allowNet), cb))

			got := cb.wait(t, 1)
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantKind, got[0].kind)
			assert.Equal(t, id, got[0].id)
			if tt.wantImg != nil {
				assert.Same(t, tt.wantImg, got[0].img)
			}
			for i, m := range tt.modules {
				assert.Equal(t, tt.wantCalls[i], m.callCount(), "module %s", m.name)
			}
		})
	}
}

func TestDispatcherSkipsModulesForCanceledRequest(t *testing.T) {
	m := &fakeModule{name: "disk", result: Result{Image: img()}}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, []Module{m}, nil)
	defer d.Close()

	req := newRequest(tile.ID{Z: 2}, true)
	req.Cancel()

	cb := newRecordingCallback(1)
	require.NoError(t, d.Fetch(req, cb))
	got := cb.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "failed", got[0].kind)
	assert.Zero(t, m.callCount())
}

func TestDispatcherQueueFull(t *testing.T) {
	block := make(chan struct{})
	m := &fakeModule{name: "slow", err: ErrNotFound, block: block}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, []Module{m}, nil)

	cb := newRecordingCallback(3)
	require.NoError(t, d.Fetch(newRequest(tile.ID{X: 1}, true), cb))

	// Wait for the worker to pick up the first job so the queue is empty.
	require.Eventually(t, func() bool { return m.callCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Fetch(newRequest(tile.ID{X: 2}, true), cb))
	assert.ErrorIs(t, d.Fetch(newRequest(tile.ID{X: 3}, true), cb), ErrQueueFull)

	close(block)
	got := cb.wait(t, 2)
	assert.Len(t, got, 2)
	require.NoError(t, d.Close())
}

type closingModule struct {
	fakeModule
	closeErr error
}

func (m *closingModule) Close() error { return m.closeErr }

func TestDispatcherClose(t *testing.T) {
	a := &closingModule{fakeModule: fakeModule{name: "a"}, closeErr: errors.New("a failed")}
	b := &closingModule{fakeModule: fakeModule{name: "b"}, closeErr: errors.New("b failed")}
	d := NewDispatcher(Config{}, []Module{a, b}, nil)

	err := d.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")

	assert.ErrorIs(t, d.Fetch(newRequest(tile.ID{}, true), newRecordingCallback(1)), ErrClosed)
	assert.NoError(t, d.Close())
}

func TestDiskModuleFind(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "osm", "3", "5")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.jpg"), []byte("x"), 0644))

	m := NewDiskModule(root, time.Hour, nil, nil)

	path, info, err := m.find("osm", tile.ID{Z: 3, X: 5, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2.jpg"), path)
	assert.NotNil(t, info)

	_, _, err = m.find("osm", tile.ID{Z: 3, X: 5, Y: 3})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.find("../etc", tile.ID{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDiskModuleLoadMissingAndCancelled(t *testing.T) {
	m := NewDiskModule(t.TempDir(), 0, nil, nil)
	req := newRequest(tile.ID{Z: 1}, false)

	_, err := m.Load(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Load(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, "disk", m.Name())
	assert.False(t, m.UsesNetwork())
}
