package tcpcomm

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/climbfuji/pario/pkg/comm"
)

type splitEntry struct{ rank, color, key int }

// Collectives are built on top of Send/Recv using a root-gather /
// root-broadcast shape rather than a tree or ring: pario's collectives
// run once per rearrange/flush cycle, not in a hot per-element loop, so
// the O(size) fan-in/fan-out at the root is not worth the extra
// complexity of a logarithmic algorithm. They all reuse collectiveTag so
// a parent Communicator and any Communicator it produced via Split must
// not have overlapping in-flight collectives on the same rank pair.

func (c *Communicator) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "tcpcomm.Bcast", oteltrace.WithAttributes(
		attribute.Int("pario.rank", c.rank),
		attribute.Int("pario.root", root),
	))
	defer span.End()

	if c.rank == root {
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, int(collectiveTag), data); err != nil {
				return nil, fmt.Errorf("tcpcomm: bcast send to %d: %w", r, err)
			}
		}
		return data, nil
	}
	return c.Recv(ctx, root, int(collectiveTag))
}

func (c *Communicator) Allreduce(ctx context.Context, value int64, op comm.Op) (int64, error) {
	ctx, span := tracer.Start(ctx, "tcpcomm.Allreduce", oteltrace.WithAttributes(
		attribute.Int("pario.rank", c.rank),
		attribute.String("pario.op", op.String()),
	))
	defer span.End()

	const root = comm.Root
	if c.rank == root {
		acc := value
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			buf, err := c.Recv(ctx, r, int(collectiveTag))
			if err != nil {
				return 0, fmt.Errorf("tcpcomm: allreduce recv from %d: %w", r, err)
			}
			acc = combine(acc, decodeInt64(buf), op)
		}
		encoded := encodeInt64(acc)
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, int(collectiveTag), encoded); err != nil {
				return 0, fmt.Errorf("tcpcomm: allreduce bcast to %d: %w", r, err)
			}
		}
		return acc, nil
	}

	if err := c.Send(ctx, root, int(collectiveTag), encodeInt64(value)); err != nil {
		return 0, fmt.Errorf("tcpcomm: allreduce send to root: %w", err)
	}
	buf, err := c.Recv(ctx, root, int(collectiveTag))
	if err != nil {
		return 0, fmt.Errorf("tcpcomm: allreduce recv from root: %w", err)
	}
	return decodeInt64(buf), nil
}

func combine(a, b int64, op comm.Op) int64 {
	switch op {
	case comm.OpSum:
		return a + b
	case comm.OpMax:
		if b > a {
			return b
		}
		return a
	case comm.OpMin:
		if b < a {
			return b
		}
		return a
	case comm.OpLand:
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	case comm.OpLor:
		if a != 0 || b != 0 {
			return 1
		}
		return 0
	default:
		return a
	}
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}

func (c *Communicator) Barrier(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tcpcomm.Barrier", oteltrace.WithAttributes(
		attribute.Int("pario.rank", c.rank),
	))
	defer span.End()

	const root = comm.Root
	if c.rank == root {
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if _, err := c.Recv(ctx, r, int(collectiveTag)); err != nil {
				return fmt.Errorf("tcpcomm: barrier recv from %d: %w", r, err)
			}
		}
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, int(collectiveTag), nil); err != nil {
				return fmt.Errorf("tcpcomm: barrier release %d: %w", r, err)
			}
		}
		return nil
	}
	if err := c.Send(ctx, root, int(collectiveTag), nil); err != nil {
		return fmt.Errorf("tcpcomm: barrier arrive: %w", err)
	}
	_, err := c.Recv(ctx, root, int(collectiveTag))
	return err
}

// Split partitions an existing full-mesh Communicator without any new
// dialing: every rank in the parent mesh already holds a connection to
// every other rank, so Split only needs to agree on group membership (a
// root-gather/broadcast, same as the other collectives) and then hand
// back a Communicator whose conns map is a re-ranked view over the
// subset of the parent's connections.
func (c *Communicator) Split(ctx context.Context, color, key int) (comm.Communicator, error) {
	self := splitEntry{rank: c.rank, color: color, key: key}
	encoded := encodeEntry(self)

	const root = comm.Root
	var all []splitEntry
	if c.rank == root {
		all = make([]splitEntry, c.Size())
		all[root] = self
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			buf, err := c.Recv(ctx, r, int(collectiveTag))
			if err != nil {
				return nil, fmt.Errorf("tcpcomm: split recv from %d: %w", r, err)
			}
			all[r] = decodeEntry(buf)
		}
	} else {
		if err := c.Send(ctx, root, int(collectiveTag), encoded); err != nil {
			return nil, fmt.Errorf("tcpcomm: split send to root: %w", err)
		}
	}

	blob, err := c.Bcast(ctx, root, encodeEntries(all))
	if err != nil {
		return nil, fmt.Errorf("tcpcomm: split bcast: %w", err)
	}
	all = decodeEntries(blob)

	if color == comm.SplitExcluded {
		return nil, nil
	}

	var mine []splitEntry
	for _, e := range all {
		if e.color == color {
			mine = append(mine, e)
		}
	}
	for i := 1; i < len(mine); i++ {
		for j := i; j > 0; j-- {
			a, b := mine[j-1], mine[j]
			if a.key > b.key || (a.key == b.key && a.rank > b.rank) {
				mine[j-1], mine[j] = b, a
			} else {
				break
			}
		}
	}

	newPeers := make([]string, len(mine))
	newConns := make(map[int]*peerConn)
	myNewRank := -1
	for i, e := range mine {
		newPeers[i] = c.peers[e.rank]
		if e.rank == c.rank {
			myNewRank = i
		} else if pc, ok := c.conns[e.rank]; ok {
			newConns[i] = pc
		}
	}
	if myNewRank < 0 {
		return nil, fmt.Errorf("tcpcomm: split: rank %d missing from its own color group", c.rank)
	}
	// Re-key newConns so its indices are the new ranks of the PEERS, not
	// their old parent-mesh ranks; the loop above already used the new
	// index i as the key, so no further remap is needed here.

	return &Communicator{
		rank:    myNewRank,
		peers:   newPeers,
		conns:   newConns,
		selfBox: make(map[int32]chan []byte),
	}, nil
}

func encodeEntry(e splitEntry) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.rank))
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.color))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.key))
	return buf[:]
}

func decodeEntry(buf []byte) splitEntry {
	return splitEntry{
		rank:  int(int32(binary.BigEndian.Uint32(buf[0:4]))),
		color: int(int32(binary.BigEndian.Uint32(buf[4:8]))),
		key:   int(int32(binary.BigEndian.Uint32(buf[8:12]))),
	}
}

func encodeEntries(entries []splitEntry) []byte {
	out := make([]byte, 0, 12*len(entries))
	for _, e := range entries {
		out = append(out, encodeEntry(e)...)
	}
	return out
}

func decodeEntries(buf []byte) []splitEntry {
	var out []splitEntry
	for len(buf) >= 12 {
		out = append(out, decodeEntry(buf[:12]))
		buf = buf[12:]
	}
	return out
}
