package metagraph

import (
	"context"
	"time"

	"github.com/opentensor/BitTensor/internal/utils"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Archive appends one document per synced snapshot to mongo so incentive
// history survives process restarts. A nil archive records nothing.
type Archive struct {
	col *mongo.Collection
}

func NewArchive(client *mongo.Client) *Archive {
	if client == nil {
		return nil
	}
	return &Archive{
		col: client.Database("bittensor").Collection("metagraph_history"),
	}
}

type snapshotDoc struct {
	Block     uint64    `bson:"block"`
	Timestamp int64     `bson:"timestamp"`
	N         uint32    `bson:"n"`
	Stake     []float64 `bson:"stake"`
	LastEmit  []uint64  `bson:"lastemit"`
	Rank      []float64 `bson:"rank"`
	Incentive []float64 `bson:"incentive"`
}

// Record stores the snapshot's derived view. Weight rows stay out of the
// document; they are reconstructible from the chain and would dwarf it.
func (a *Archive) Record(ctx context.Context, s *State, tau float64) error {
	if a == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := snapshotDoc{
		Block:     s.Block,
		Timestamp: time.Now().Unix(),
		N:         s.N,
		Stake:     s.Stake,
		LastEmit:  s.LastEmit,
		Rank:      s.Rank(),
		Incentive: s.Incentive(tau),
	}
	if _, err := a.col.InsertOne(cctx, doc); err != nil {
		return utils.Wrap("failed archiving snapshot", err)
	}
	return nil
}
