package controller

import (
	"context"

	"github.com/i5heu/ouroboros-chunkstore/internal/fileindex"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"golang.org/x/exp/slices"
)

// Repair re-replicates every indexed chunk that had a
// copy on failed. For each chunk a surviving registered
// holder, heartbeat-confirmed ones first, is asked to
// redirect its copy to the best ranked node outside the
// chunk's replica set, keeping failed's chain position.
// A holder that cannot be reached is itself treated as
// failed.
func (c *Controller) Repair(ctx context.Context, failed string) { // A
	chunks, err := c.index.ChunksOn(failed)
	if err != nil {
		c.logger.Error("repair lookup failed",
			logKeyAddress, failed,
			logKeyError, err)
		return
	}
	if c.cfg.Erasure {
		// Shard indices follow chain positions, so the
		// chain is left as placed.
		c.logger.Warn("erasure shards lost with node, no repair",
			logKeyAddress, failed,
			logKeyChunks, len(chunks))
		return
	}

	var unreachable []string
	for _, cr := range chunks {
		for _, lost := range c.repairChunk(cr, failed) {
			if !slices.Contains(unreachable, lost) {
				unreachable = append(unreachable, lost)
			}
		}
	}
	for _, addr := range unreachable {
		c.NodeFailed(ctx, addr)
	}
}

// NodeFailed removes addr after a failed send and
// repairs what it held.
func (c *Controller) NodeFailed(ctx context.Context, addr string) { // A
	if n, removed := c.registry.Remove(addr); removed {
		c.logger.Warn("storage node unreachable, removed",
			logKeyAddress, addr,
			logKeyNodes, n)
		c.Repair(ctx, addr)
	}
}

// repairChunk handles one chunk. It returns the
// sources that could not be reached.
func (c *Controller) repairChunk( // A
	cr fileindex.ChunkRecord,
	failed string,
) []string {
	position := slices.Index(cr.Chain, failed)
	if position < 0 {
		c.forget(cr, failed)
		return nil
	}

	replicas := cr.Sources()
	dest := c.registry.SelectChain(1, replicas...)
	if len(dest) == 0 {
		c.logger.Warn("no spare node for repair",
			logKeyFile, cr.Filename,
			logKeySeq, cr.Sequence)
		c.forget(cr, failed)
		return nil
	}

	var lost []string
	for _, src := range replicas {
		if src == failed {
			continue
		}
		link, ok := c.registry.Link(src)
		if !ok {
			continue
		}
		err := link.Send(&wire.RedirectChunkRequest{
			Filename:    cr.Filename,
			Sequence:    cr.Sequence,
			Position:    int32(position),
			Destination: dest[0],
		})
		if err != nil {
			c.logger.Warn("redirect request failed",
				logKeyAddress, src,
				logKeyError, err)
			lost = append(lost, src)
			continue
		}
		if err := c.index.ReplaceInChain(
			cr.Filename, cr.Sequence, failed, dest[0],
		); err != nil {
			c.logger.Error("updating chain failed", logKeyError, err)
		}
		c.logger.Info("chunk repair requested",
			logKeyFile, cr.Filename,
			logKeySeq, cr.Sequence,
			logKeySource, src,
			logKeyDestination, dest[0])
		return lost
	}

	c.logger.Error("no surviving copy to repair from",
		logKeyFile, cr.Filename,
		logKeySeq, cr.Sequence)
	c.forget(cr, failed)
	return lost
}

func (c *Controller) forget(cr fileindex.ChunkRecord, failed string) { // A
	if err := c.index.ReplaceInChain(cr.Filename, cr.Sequence, failed, ""); err != nil {
		c.logger.Error("updating chain failed", logKeyError, err)
	}
}
