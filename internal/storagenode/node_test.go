package storagenode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-chunkstore/internal/integrity"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testChunkSize = 64000
	testSliceSize = 8000
)

// meshForwarder delivers Send calls straight to the
// HandleWrite of the node registered under the address,
// recording every hop.
type meshForwarder struct {
	mu    sync.Mutex
	nodes map[string]*Node
	sent  []sentMsg
	down  map[string]bool
}

type sentMsg struct {
	addr string
	msg  *wire.WriteChunkRequest
}

func newMesh() *meshForwarder {
	return &meshForwarder{
		nodes: make(map[string]*Node),
		down:  make(map[string]bool),
	}
}

func (m *meshForwarder) Send(ctx context.Context, addr string, msg wire.Message) error {
	m.mu.Lock()
	req := msg.(*wire.WriteChunkRequest)
	cp := *req
	m.sent = append(m.sent, sentMsg{addr: addr, msg: &cp})
	n, ok := m.nodes[addr]
	down := m.down[addr]
	m.mu.Unlock()
	if !ok || down {
		return errors.New("connection refused")
	}
	return n.HandleWrite(ctx, req)
}

func (m *meshForwarder) hops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.addr
	}
	return out
}

func newTestNode(t *testing.T, addr string, fwd Forwarder) *Node {
	t.Helper()
	n, err := New(Config{
		StorageRoot: t.TempDir(),
		ChunkSize:   testChunkSize,
		SliceSize:   testSliceSize,
		Forwarder:   fwd,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		FreeSpace:   func(string) (int64, error) { return 1 << 30, nil },
	})
	require.NoError(t, err)
	n.SetAddress(addr)
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func testPayload(seed byte) []byte {
	p := make([]byte, testChunkSize)
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return p
}

func TestNewValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(Config{Forwarder: newMesh(), ChunkSize: testChunkSize, SliceSize: testSliceSize})
	assert.Error(t, err)
	_, err = New(Config{Logger: logger, ChunkSize: testChunkSize, SliceSize: testSliceSize})
	assert.Error(t, err)
	_, err = New(Config{
		Logger: logger, Forwarder: newMesh(), StorageRoot: t.TempDir(),
		ChunkSize: testChunkSize, SliceSize: 0,
	})
	assert.Error(t, err)
}

func TestChainForwardingReachesEveryHop(t *testing.T) {
	mesh := newMesh()
	chain := []string{"a:1", "b:1", "c:1"}
	for _, addr := range chain {
		mesh.nodes[addr] = newTestNode(t, addr, mesh)
	}

	payload := testPayload(3)
	req := &wire.WriteChunkRequest{
		Filename: "/data/file.bin",
		Sequence: 1,
		Payload:  payload,
		Chain:    chain,
	}
	require.NoError(t, mesh.nodes["a:1"].HandleWrite(context.Background(), req))

	assert.Equal(t, []string{"b:1", "c:1"}, mesh.hops())
	for _, s := range mesh.sent {
		assert.Equal(t, testChunkSize+integrity.DigestSize*8, len(s.msg.Payload))
	}
	assert.Equal(t, int32(1), mesh.sent[0].msg.Position)
	assert.Equal(t, int32(2), mesh.sent[1].msg.Position)
	assert.Equal(t, int32(3), mesh.sent[1].msg.Advance().Position)

	for _, addr := range chain {
		resp := mesh.nodes[addr].HandleRead(&wire.ReadChunkRequest{
			Filename: "/data/file.bin", Sequence: 1,
		})
		assert.Equal(t, wire.StatusSuccess, resp.Status, addr)
		assert.Equal(t, payload, resp.Payload, addr)
	}
}

func TestDownstreamHopsStoreIdenticalEnvelope(t *testing.T) {
	mesh := newMesh()
	chain := []string{"a:1", "b:1"}
	for _, addr := range chain {
		mesh.nodes[addr] = newTestNode(t, addr, mesh)
	}
	require.NoError(t, mesh.nodes["a:1"].HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Payload: testPayload(9), Chain: chain,
	}))

	a, err := mesh.nodes["a:1"].Store().Get("/f", 0)
	require.NoError(t, err)
	b, err := mesh.nodes["b:1"].Store().Get("/f", 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a.Data, b.Data))
}

func TestForwardFailureLeavesChainIncomplete(t *testing.T) {
	mesh := newMesh()
	chain := []string{"a:1", "b:1", "c:1"}
	for _, addr := range chain {
		mesh.nodes[addr] = newTestNode(t, addr, mesh)
	}
	mesh.down["b:1"] = true

	err := mesh.nodes["a:1"].HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Payload: testPayload(1), Chain: chain,
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"b:1"}, mesh.hops())

	assert.Equal(t, wire.StatusSuccess,
		mesh.nodes["a:1"].HandleRead(&wire.ReadChunkRequest{Filename: "/f"}).Status)
	assert.Equal(t, wire.StatusFailure,
		mesh.nodes["c:1"].HandleRead(&wire.ReadChunkRequest{Filename: "/f"}).Status)
}

func TestWriteRejectsBadLength(t *testing.T) {
	mesh := newMesh()
	n := newTestNode(t, "a:1", mesh)
	err := n.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Payload: []byte("short"), Chain: []string{"a:1", "b:1"},
	})
	assert.ErrorIs(t, err, integrity.ErrLength)
	assert.Empty(t, mesh.hops())
}

func TestReadMissingChunkFails(t *testing.T) {
	n := newTestNode(t, "a:1", newMesh())
	resp := n.HandleRead(&wire.ReadChunkRequest{Filename: "/nope", Sequence: 0})
	assert.Equal(t, wire.StatusFailure, resp.Status)
	assert.Nil(t, resp.Payload)
}

func TestCorruptedChunkNeverReturned(t *testing.T) {
	mesh := newMesh()
	n := newTestNode(t, "a:1", mesh)
	require.NoError(t, n.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Payload: testPayload(5), Chain: []string{"a:1"},
	}))
	stored, err := n.Store().Get("/f", 0)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		offset := rapid.IntRange(0, len(stored.Data)-1).Draw(rt, "offset")
		bit := rapid.IntRange(0, 7).Draw(rt, "bit")

		corrupt := append([]byte(nil), stored.Data...)
		corrupt[offset] ^= 1 << bit
		require.NoError(rt, n.Store().Put("/g", 0, 0, corrupt))

		resp := n.HandleRead(&wire.ReadChunkRequest{Filename: "/g"})
		assert.Equal(rt, wire.StatusFailure, resp.Status)
		assert.Nil(rt, resp.Payload)
	})
}

func TestRedirectKeepsPositionAndHeader(t *testing.T) {
	mesh := newMesh()
	src := newTestNode(t, "a:1", mesh)
	dst := newTestNode(t, "d:1", mesh)
	mesh.nodes["a:1"] = src
	mesh.nodes["d:1"] = dst

	payload := testPayload(7)
	require.NoError(t, src.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Sequence: 2, Payload: payload, LastModified: 99,
		Chain: []string{"a:1"},
	}))

	require.NoError(t, src.HandleRedirect(context.Background(), &wire.RedirectChunkRequest{
		Filename: "/f", Sequence: 2, Position: 1, Destination: "d:1",
	}))

	require.Len(t, mesh.sent, 1)
	sent := mesh.sent[0].msg
	assert.Equal(t, int32(1), sent.Position)
	assert.Equal(t, []string{"a:1", "d:1"}, sent.Chain)
	assert.Equal(t, int64(99), sent.LastModified)
	assert.Len(t, sent.Payload, testChunkSize+integrity.DigestSize*8)

	resp := dst.HandleRead(&wire.ReadChunkRequest{Filename: "/f", Sequence: 2})
	assert.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, payload, resp.Payload)
	assert.Len(t, mesh.sent, 1, "redirected write must be terminal")
}

func TestRedirectMissingChunk(t *testing.T) {
	n := newTestNode(t, "a:1", newMesh())
	err := n.HandleRedirect(context.Background(), &wire.RedirectChunkRequest{
		Filename: "/nope", Destination: "d:1",
	})
	assert.Error(t, err)
}

func TestRedirectRejectsOutOfRangePosition(t *testing.T) {
	mesh := newMesh()
	src := newTestNode(t, "a:1", mesh)
	require.NoError(t, src.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Payload: testPayload(3), Chain: []string{"a:1"},
	}))
	mesh.sent = nil

	for _, pos := range []int32{math.MaxInt32, wire.MaxChainWidth, -1, math.MinInt32} {
		err := src.HandleRedirect(context.Background(), &wire.RedirectChunkRequest{
			Filename: "/f", Position: pos, Destination: "d:1",
		})
		assert.Error(t, err, "position %d", pos)
	}
	assert.Empty(t, mesh.sent)

	// The last valid position still builds a full chain.
	require.Error(t, src.HandleRedirect(context.Background(), &wire.RedirectChunkRequest{
		Filename: "/f", Position: wire.MaxChainWidth - 1, Destination: "d:1",
	}), "destination is not in the mesh")
	require.Len(t, mesh.sent, 1)
	chain := mesh.sent[0].msg.Chain
	assert.Len(t, chain, wire.MaxChainWidth)
	assert.Equal(t, "d:1", chain[wire.MaxChainWidth-1])
	assert.Equal(t, "a:1", chain[0])
}

func TestWriteRejectsOutOfRangeRouting(t *testing.T) {
	mesh := newMesh()
	n := newTestNode(t, "a:1", mesh)

	long := make([]string, wire.MaxChainWidth+1)
	for i := range long {
		long[i] = "a:1"
	}
	cases := map[string]*wire.WriteChunkRequest{
		"chain too long":    {Filename: "/f", Payload: testPayload(1), Chain: long},
		"negative position": {Filename: "/f", Payload: testPayload(1), Chain: []string{"a:1"}, Position: -1},
		"huge position":     {Filename: "/f", Payload: testPayload(1), Chain: []string{"a:1"}, Position: math.MaxInt32},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, n.HandleWrite(context.Background(), req))
		})
	}
	assert.Empty(t, mesh.sent)
	assert.Equal(t, int32(0), n.Store().ChunkCount())
}

// Arbitrary decoded write and redirect requests never
// panic, and every write that is accepted stays
// readable.
func TestHandlersSurviveArbitraryRequests(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mesh := newMesh()
		n := newTestNode(t, "a:1", mesh)
		mesh.nodes["a:1"] = n
		names := rapid.SampledFrom([]string{"/f", "/g/h", "", "/", "../x"})
		positions := rapid.OneOf(
			rapid.Int32Range(-2, 10),
			rapid.Int32(),
			rapid.SampledFrom([]int32{wire.MaxChainWidth - 1, wire.MaxChainWidth}),
		)

		type chunkKey struct {
			name string
			seq  int32
		}
		stored := make(map[chunkKey]bool)
		for i, steps := 0, rapid.IntRange(1, 12).Draw(rt, "steps"); i < steps; i++ {
			name := names.Draw(rt, "name")
			seq := rapid.Int32Range(-1, 3).Draw(rt, "seq")
			if rapid.Bool().Draw(rt, "write") {
				size := rapid.SampledFrom([]int{0, 7, testChunkSize}).Draw(rt, "size")
				req := &wire.WriteChunkRequest{
					Filename: name,
					Sequence: seq,
					Payload:  bytes.Repeat([]byte{byte(i)}, size),
					Chain: rapid.SliceOfN(
						rapid.SampledFrom([]string{"a:1", "z:9"}), 0, 8,
					).Draw(rt, "chain"),
					Position: positions.Draw(rt, "position"),
				}
				if err := n.HandleWrite(context.Background(), req); err == nil {
					stored[chunkKey{name, seq}] = true
				}
				continue
			}
			_ = n.HandleRedirect(context.Background(), &wire.RedirectChunkRequest{
				Filename:    name,
				Sequence:    seq,
				Position:    positions.Draw(rt, "position"),
				Destination: "z:9",
			})
		}
		for key := range stored {
			resp := n.HandleRead(&wire.ReadChunkRequest{Filename: key.name, Sequence: key.seq})
			if resp.Status != wire.StatusSuccess {
				rt.Fatalf("accepted write of %s#%d is not readable", key.name, key.seq)
			}
		}
	})
}

func TestHeartbeatRequeuedOnSendFailure(t *testing.T) {
	n := newTestNode(t, "a:1", newMesh())
	require.NoError(t, n.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Sequence: 2, Payload: testPayload(1), Chain: []string{"a:1"},
	}))

	err := n.sendHeartbeat(func(wire.Message) error { return errors.New("stream reset") })
	require.Error(t, err)

	var got *wire.Heartbeat
	require.NoError(t, n.sendHeartbeat(func(m wire.Message) error {
		got = m.(*wire.Heartbeat)
		return nil
	}))
	assert.Equal(t, map[string][]int32{"/f": {2}}, got.NewChunks)
	assert.Nil(t, n.Heartbeat().NewChunks)
}

func TestHeartbeatDrainsNewChunks(t *testing.T) {
	mesh := newMesh()
	n := newTestNode(t, "a:1", mesh)
	require.NoError(t, n.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f", Sequence: 4, Payload: testPayload(1), Chain: []string{"a:1"},
	}))

	hb := n.Heartbeat()
	assert.Equal(t, "a:1", hb.Address)
	assert.Equal(t, int32(1), hb.ChunkCount)
	assert.Equal(t, int64(1<<30), hb.FreeSpace)
	assert.Equal(t, map[string][]int32{"/f": {4}}, hb.NewChunks)

	assert.Nil(t, n.Heartbeat().NewChunks)
}

func TestShardSizedPayloadsAccepted(t *testing.T) {
	shard := 10667
	n, err := New(Config{
		StorageRoot: t.TempDir(),
		ChunkSize:   testChunkSize,
		SliceSize:   testSliceSize,
		ShardSize:   shard,
		Forwarder:   newMesh(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer n.Close(context.Background())

	payload := bytes.Repeat([]byte{0xAB}, shard)
	require.NoError(t, n.HandleWrite(context.Background(), &wire.WriteChunkRequest{
		Filename: "/f#shard0", Payload: payload, Chain: []string{"a:1"},
	}))
	resp := n.HandleRead(&wire.ReadChunkRequest{Filename: "/f#shard0"})
	assert.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, payload, resp.Payload)
}

func TestDiskFreeReportsSpace(t *testing.T) {
	free, err := diskFree(os.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, int64(0))
}
