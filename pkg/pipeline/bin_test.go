package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testElement простой элемент-источник для тестов
type testElement struct {
	PortNotify
	name    string
	kind    string
	props   Properties
	started atomic.Int32
	stopped atomic.Int32

	mu         sync.Mutex
	downstream Sink
}

func (e *testElement) Name() string { return e.name }
func (e *testElement) Kind() string { return e.kind }
func (e *testElement) Start(ctx context.Context) error {
	e.started.Add(1)
	e.NotifyBoundPort(e.props.Port)
	return nil
}
func (e *testElement) Stop() error { e.stopped.Add(1); return nil }
func (e *testElement) SetDownstream(s Sink) {
	e.mu.Lock()
	e.downstream = s
	e.mu.Unlock()
}
func (e *testElement) Downstream() Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downstream
}
func (e *testElement) Write(pkt *rtp.Packet) error { return nil }

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("testsrc", func(name string, props Properties) (Element, error) {
		return &testElement{name: name, kind: "testsrc", props: props}, nil
	})
	return r
}

func newTestBin(t *testing.T) *Bin {
	t.Helper()
	return NewBin("test", newTestRegistry())
}

func makeTestElement(t *testing.T, b *Bin) *testElement {
	t.Helper()
	el, err := b.MakeElement("testsrc", Properties{MediaType: MediaAudio, Port: 4000})
	require.NoError(t, err)
	return el.(*testElement)
}

func TestMediaTypeParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    MediaType
		wantErr bool
	}{
		{"audio", MediaAudio, false},
		{"VIDEO", MediaVideo, false},
		{" audio ", MediaAudio, false},
		{"data", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMediaType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
	assert.False(t, MediaType(7).Valid())
}

func TestRegistryUnknownKind(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Make("nope", "x", Properties{})
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, []string{"testsrc"}, r.Kinds())
}

func TestBinStateTransitions(t *testing.T) {
	b := newTestBin(t)
	var seen []Transition
	b.OnBeforeTransition(func(ctx context.Context, tr Transition) error {
		seen = append(seen, tr)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.SetState(ctx, StatePlaying))
	assert.Equal(t, StatePlaying, b.State())
	require.NoError(t, b.SetState(ctx, StateNull))
	assert.Equal(t, StateNull, b.State())

	assert.Equal(t, []Transition{NullToReady, ReadyToPlaying, PlayingToReady, ReadyToNull}, seen)
}

func TestBinBeforeHookAbortsTransition(t *testing.T) {
	b := newTestBin(t)
	boom := errors.New("boom")
	b.OnBeforeTransition(func(ctx context.Context, tr Transition) error {
		if tr == NullToReady {
			return boom
		}
		return nil
	})

	err := b.SetState(context.Background(), StatePlaying)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateNull, b.State())
}

func TestBinStartsElementsInPlaying(t *testing.T) {
	b := newTestBin(t)
	ctx := context.Background()

	early := makeTestElement(t, b)
	require.NoError(t, b.Add(early))
	require.NoError(t, b.SyncStateWithParent(early))
	assert.Equal(t, int32(0), early.started.Load())

	require.NoError(t, b.SetState(ctx, StatePlaying))
	assert.Equal(t, int32(1), early.started.Load())

	late := makeTestElement(t, b)
	require.NoError(t, b.Add(late))
	require.NoError(t, b.SyncStateWithParent(late))
	assert.Equal(t, int32(1), late.started.Load())

	require.NoError(t, b.SetState(ctx, StateReady))
	assert.Equal(t, int32(1), early.stopped.Load())
	assert.Equal(t, int32(1), late.stopped.Load())
}

func TestBinLinkRules(t *testing.T) {
	b := newTestBin(t)
	first := makeTestElement(t, b)
	second := makeTestElement(t, b)
	outsider := makeTestElement(t, b)
	require.NoError(t, b.Add(first))
	require.NoError(t, b.Add(second))

	br := b.Branch(MediaAudio)
	require.NoError(t, b.Link(first, br))
	assert.Equal(t, first.Name(), br.Upstream())

	// ветвь принимает только одну входную связь
	err := b.Link(second, br)
	assert.ErrorIs(t, err, ErrAlreadyLinked)
	assert.Nil(t, second.Downstream())

	// элемент вне конвейера
	assert.ErrorIs(t, b.Link(outsider, b.Branch(MediaVideo)), ErrNotInBin)

	// выход уже связан
	assert.ErrorIs(t, b.Link(first, b.Branch(MediaVideo)), ErrAlreadyLinked)

	b.Unlink(first)
	assert.Empty(t, br.Upstream())
	require.NoError(t, b.Link(second, br))
}

func TestBinRemoveUnlinks(t *testing.T) {
	b := newTestBin(t)
	src := makeTestElement(t, b)
	require.NoError(t, b.Add(src))
	require.NoError(t, b.Link(src, b.Branch(MediaAudio)))

	require.NoError(t, b.Remove(src))
	assert.False(t, b.Contains(src))
	assert.Empty(t, b.Branch(MediaAudio).Upstream())
	assert.Nil(t, src.Downstream())
	assert.Equal(t, int32(1), src.stopped.Load())

	assert.ErrorIs(t, b.Remove(src), ErrNotInBin)
}

func TestBinGates(t *testing.T) {
	b := newTestBin(t)
	ctx := context.Background()

	var added, removed []MediaType
	b.OnGateAdded(func(ctx context.Context, mt MediaType, gate *Valve) {
		assert.False(t, gate.IsOpen())
		added = append(added, mt)
	})
	b.OnGateRemoved(func(ctx context.Context, mt MediaType, gate *Valve) {
		removed = append(removed, mt)
	})

	gate, err := b.AddGate(ctx, MediaVideo)
	require.NoError(t, err)
	_, err = b.AddGate(ctx, MediaVideo)
	assert.ErrorIs(t, err, ErrGateExists)

	got, ok := b.Gate(MediaVideo)
	require.True(t, ok)
	assert.Same(t, gate, got)

	sink := makeTestElement(t, b)
	require.NoError(t, b.Add(sink))
	require.NoError(t, b.Link(gate, sink))

	require.NoError(t, b.RemoveGate(ctx, MediaVideo))
	assert.Nil(t, gate.Downstream())
	_, ok = b.Gate(MediaVideo)
	assert.False(t, ok)
	assert.ErrorIs(t, b.RemoveGate(ctx, MediaVideo), ErrNoGate)

	assert.Equal(t, []MediaType{MediaVideo}, added)
	assert.Equal(t, []MediaType{MediaVideo}, removed)
}

func TestValveGating(t *testing.T) {
	v := NewValve("v", MediaAudio)
	var got atomic.Int32
	v.SetDownstream(SinkFunc(func(pkt *rtp.Packet) error {
		got.Add(1)
		return nil
	}))

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, v.Write(pkt))
	assert.Equal(t, int32(0), got.Load())
	assert.Equal(t, uint64(1), v.Dropped())

	v.Open()
	require.NoError(t, v.Write(pkt))
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, uint64(1), v.Passed())

	v.Close()
	require.NoError(t, v.Write(pkt))
	assert.Equal(t, int32(1), got.Load())
}

func TestBranchFanOut(t *testing.T) {
	br := newBranch(MediaAudio)
	var a, c atomic.Int32
	cancelA := br.Subscribe(func(*rtp.Packet) { a.Add(1) })
	br.Subscribe(func(*rtp.Packet) { c.Add(1) })

	require.NoError(t, br.Write(&rtp.Packet{}))
	cancelA()
	require.NoError(t, br.Write(&rtp.Packet{}))

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), c.Load())
	assert.Equal(t, uint64(2), br.Packets())
}

func TestPortNotifyListeners(t *testing.T) {
	var n PortNotify
	var got []int
	cancel := n.OnBoundPort(func(p int) { got = append(got, p) })
	n.NotifyBoundPort(5000)
	cancel()
	n.NotifyBoundPort(5002)

	assert.Equal(t, []int{5000}, got)
	assert.Equal(t, 5002, n.BoundPort())
}
