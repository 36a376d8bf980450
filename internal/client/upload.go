package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/i5heu/ouroboros-chunkstore/internal/chunker"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

// ShardName is the chunk filename under which shard i
// of a file is stored.
func ShardName(filename string, i int) string { // H
	return filename + "#shard" + strconv.Itoa(i)
}

// fileDescriptor is one file in the upload pipeline.
type fileDescriptor struct {
	path         string
	name         string
	length       int64
	chunkCount   int32
	lastModified int64
}

// Upload uploads every path. A file that fails is
// abandoned and the rest of the batch continues; the
// failures are returned joined.
func (c *Client) Upload(ctx context.Context, paths ...string) error { // A
	var errs []error
	for _, p := range paths {
		if err := c.UploadFile(ctx, p); err != nil {
			c.logger.Error("upload abandoned",
				logKeyPath, p,
				logKeyError, err)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// UploadFile places every chunk of path and sends each
// one to the first node of its chain. The file is stored
// under its absolute slash-separated path.
func (c *Client) UploadFile(ctx context.Context, path string) error { // A
	fd, err := c.describe(path)
	if err != nil {
		return err
	}
	if fd.chunkCount == 0 {
		c.logger.Warn("empty file skipped", logKeyFile, fd.name)
		return nil
	}

	chains := make([][]string, fd.chunkCount)
	for seq := int32(0); seq < fd.chunkCount; seq++ {
		chain, err := c.place(ctx, fd, seq)
		if err != nil {
			return err
		}
		chains[seq] = chain
	}

	f, err := os.Open(fd.path)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", fd.path, err)
	}
	defer f.Close()
	ch, err := chunker.NewChunker(f, c.cfg.ChunkSize)
	if err != nil {
		return err
	}

	for seq := int32(0); seq < fd.chunkCount; seq++ {
		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s shrank during upload at chunk %d", fd.path, seq)
		}
		if err != nil {
			return err
		}
		if err := c.sendChunk(ctx, fd, seq, chunk, chains[seq]); err != nil {
			return err
		}
	}
	c.logger.Info("file dispatched",
		logKeyFile, fd.name,
		logKeyChunks, fd.chunkCount)
	return nil
}

func (c *Client) describe(path string) (fileDescriptor, error) { // A
	abs, err := filepath.Abs(path)
	if err != nil {
		return fileDescriptor{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileDescriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fileDescriptor{}, fmt.Errorf("%s is a directory", path)
	}
	return fileDescriptor{
		path:         abs,
		name:         filepath.ToSlash(abs),
		length:       info.Size(),
		chunkCount:   chunker.Count(info.Size(), c.cfg.ChunkSize),
		lastModified: info.ModTime().UnixMilli(),
	}, nil
}

// place asks the controller for the chain of one
// sequence and blocks until it answers. A late answer
// for another sequence is ignored.
func (c *Client) place( // A
	ctx context.Context,
	fd fileDescriptor,
	seq int32,
) ([]string, error) {
	resp, err := request(ctx, c, c.placement,
		func(r *wire.WriteFileResponse) bool { return r.Sequence == seq },
		&wire.WriteFileRequest{
			Filename:   fd.name,
			Sequence:   seq,
			FileLength: fd.length,
			ChunkCount: fd.chunkCount,
		})
	if err != nil {
		return nil, fmt.Errorf("placement of chunk %d: %w", seq, err)
	}
	if !resp.Able || len(resp.Chain) == 0 {
		return nil, fmt.Errorf("%w: chunk %d", ErrNoPlacement, seq)
	}
	return resp.Chain, nil
}

// sendChunk writes one padded chunk. Under replication
// the whole chain goes to its first node, which forwards
// it; under erasure coding each shard goes straight to
// its own node.
func (c *Client) sendChunk( // A
	ctx context.Context,
	fd fileDescriptor,
	seq int32,
	chunk []byte,
	chain []string,
) error {
	if c.cfg.Erasure == nil {
		if err := c.nodes.Send(ctx, chain[0], &wire.WriteChunkRequest{
			Filename:     fd.name,
			Sequence:     seq,
			Payload:      chunk,
			LastModified: fd.lastModified,
			Chain:        chain,
		}); err != nil {
			return fmt.Errorf("send chunk %d to %s: %w", seq, chain[0], err)
		}
		return nil
	}

	shards, err := c.cfg.Erasure.Encode(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", seq, err)
	}
	var failed int
	for i, shard := range shards {
		addr := chain[i%len(chain)]
		if err := c.nodes.Send(ctx, addr, &wire.WriteChunkRequest{
			Filename:     ShardName(fd.name, i),
			Sequence:     seq,
			Payload:      shard,
			LastModified: fd.lastModified,
			Chain:        []string{addr},
		}); err != nil {
			c.logger.Warn("shard send failed",
				logKeyFile, fd.name,
				logKeySeq, seq,
				logKeyAddress, addr,
				logKeyError, err)
			failed++
		}
	}
	if failed > c.cfg.Erasure.ParityShards() {
		return fmt.Errorf(
			"chunk %d: %d of %d shards not sent", seq, failed, len(shards),
		)
	}
	return nil
}
