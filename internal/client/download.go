package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

// Download fetches filename and writes it into the
// download directory as <base>_<unix millis>. Nothing
// is written unless every chunk could be read.
func (c *Client) Download(ctx context.Context, filename string) (string, error) { // A
	route, err := request(ctx, c, c.route,
		func(r *wire.ReadFileResponse) bool { return r.Filename == filename },
		&wire.ReadFileRequest{Filename: filename})
	if err != nil {
		return "", fmt.Errorf("route %s: %w", filename, err)
	}
	if len(route.Chains) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, filename)
	}

	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.cfg.DownloadDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	remaining := route.FileLength
	for seq, replicas := range route.Chains {
		payload, err := c.readChunk(ctx, filename, int32(seq), replicas)
		if err != nil {
			return "", err
		}
		if int64(len(payload)) > remaining {
			payload = payload[:remaining]
		}
		if _, err := tmp.Write(payload); err != nil {
			return "", fmt.Errorf("write %s: %w", tmp.Name(), err)
		}
		remaining -= int64(len(payload))
	}
	if remaining != 0 {
		return "", fmt.Errorf(
			"%s: chunks cover %d bytes less than file length %d",
			filename, remaining, route.FileLength,
		)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	out := filepath.Join(
		c.cfg.DownloadDir,
		path.Base(filename)+"_"+strconv.FormatInt(c.cfg.Now().UnixMilli(), 10),
	)
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", fmt.Errorf("commit %s: %w", out, err)
	}
	committed = true
	c.logger.Info("file downloaded",
		logKeyFile, filename,
		logKeyPath, out)
	return out, nil
}

// readChunk returns one chunk's payload, using replicas
// or shards as configured.
func (c *Client) readChunk( // A
	ctx context.Context,
	filename string,
	seq int32,
	replicas []string,
) ([]byte, error) {
	if c.cfg.Erasure != nil {
		return c.readShards(ctx, filename, seq, replicas)
	}
	for i, addr := range replicas {
		payload, err := c.readFrom(ctx, addr, filename, seq, c.cfg.ChunkSize)
		if err == nil {
			return payload, nil
		}
		c.logger.Warn("replica read failed",
			logKeyFile, filename,
			logKeySeq, seq,
			logKeyReplica, i,
			logKeyAddress, addr,
			logKeyError, err)
	}
	return nil, fmt.Errorf("%w: %s chunk %d (%d replicas)",
		ErrAllReplicasFailed, filename, seq, len(replicas))
}

// readShards reads shard i from chain[i % len(chain)]
// until enough shards are present to decode.
func (c *Client) readShards( // A
	ctx context.Context,
	filename string,
	seq int32,
	chain []string,
) ([]byte, error) {
	codec := c.cfg.Erasure
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s chunk %d has no nodes",
			ErrAllReplicasFailed, filename, seq)
	}
	shards := make([][]byte, codec.TotalShards())
	have := 0
	for i := range shards {
		if have == codec.DataShards() {
			break
		}
		addr := chain[i%len(chain)]
		payload, err := c.readFrom(ctx, addr, ShardName(filename, i), seq, codec.ShardSize())
		if err != nil {
			c.logger.Warn("shard read failed",
				logKeyFile, filename,
				logKeySeq, seq,
				logKeyReplica, i,
				logKeyAddress, addr,
				logKeyError, err)
			continue
		}
		shards[i] = payload
		have++
	}
	payload, err := codec.Decode(shards)
	if err != nil {
		return nil, fmt.Errorf("%w: %s chunk %d: %w",
			ErrAllReplicasFailed, filename, seq, err)
	}
	return payload, nil
}

// readFrom performs one read against one node. A
// FAILURE status or a payload of the wrong size counts
// as a failed replica.
func (c *Client) readFrom( // A
	ctx context.Context,
	addr string,
	filename string,
	seq int32,
	size int,
) ([]byte, error) {
	reply, err := c.nodes.Exchange(ctx, addr, &wire.ReadChunkRequest{
		Filename: filename,
		Sequence: seq,
	})
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(*wire.ReadChunkResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s", reply.Type())
	}
	if resp.Status != wire.StatusSuccess {
		return nil, errors.New("node reported FAILURE")
	}
	if len(resp.Payload) != size {
		return nil, fmt.Errorf("payload is %d bytes, want %d", len(resp.Payload), size)
	}
	return resp.Payload, nil
}
