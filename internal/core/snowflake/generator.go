// Package snowflake mints 64-bit order identifiers.
//
// Layout, most significant bit first:
//
//	1 bit unused | 41 bits ms since Epoch | 5 bits datacenter | 5 bits worker | 12 bits sequence
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
)

const (
	// Epoch is 2010-11-04T01:42:54.657Z in milliseconds.
	Epoch int64 = 1288834974657

	workerBits     = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxWorkerID     = -1 ^ (-1 << workerBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterBits)
	maxSequence     = -1 ^ (-1 << sequenceBits)

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

var ErrInvalidNodeID = errors.New("snowflake: node id out of range")

type Generator struct {
	mu           sync.Mutex
	clock        clock.Clock
	datacenterID int64
	workerID     int64
	lastMs       int64
	sequence     int64
}

func NewGenerator(datacenterID, workerID int64, clk clock.Clock) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("%w: datacenter %d", ErrInvalidNodeID, datacenterID)
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: worker %d", ErrInvalidNodeID, workerID)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Generator{
		clock:        clk,
		datacenterID: datacenterID,
		workerID:     workerID,
		lastMs:       -1,
	}, nil
}

// Next returns a new id. It fails with domain.ErrClockRegression when the
// clock reads earlier than the last minted timestamp.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli()
	if now < g.lastMs {
		return 0, fmt.Errorf("%w: refusing ids for %dms", domain.ErrClockRegression, g.lastMs-now)
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			now = g.waitNextMs(g.lastMs)
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-Epoch)<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.workerID<<workerShift |
		g.sequence, nil
}

func (g *Generator) waitNextMs(last int64) int64 {
	now := g.clock.Now().UnixMilli()
	for now <= last {
		time.Sleep(100 * time.Microsecond)
		now = g.clock.Now().UnixMilli()
	}
	return now
}

// Parts is an id split into its fields.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

func Decompose(id int64) Parts {
	return Parts{
		Time:         time.UnixMilli((id >> timestampShift) + Epoch).UTC(),
		DatacenterID: (id >> datacenterShift) & MaxDatacenterID,
		WorkerID:     (id >> workerShift) & MaxWorkerID,
		Sequence:     id & maxSequence,
	}
}
