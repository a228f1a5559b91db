// Package subtensor is the chain-facing side of the node. It projects the
// subnet's neuron records into the tables the metagraph consumes and submits
// the node's own extrinsics (weights, axon info, wallet ops).
package subtensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/tensor"
	"github.com/opentensor/BitTensor/internal/utils"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/subtrahend-labs/gobt/client"
	"github.com/subtrahend-labs/gobt/runtime"
	"go.uber.org/zap"
)

// pallet is the storage prefix the subnet tables live under.
const pallet = "SubtensorModule"

// DefaultFanout bounds concurrent per-uid storage reads when assembling a
// table.
const DefaultFanout = 16

// DefaultSubmitTimeout is how long a watched extrinsic may take to land in a
// block before we give up on it.
const DefaultSubmitTimeout = 60 * time.Second

type Options struct {
	Fanout int
	Log    *zap.SugaredLogger
}

// Client reads and writes one subnet on behalf of one hotkey. It is safe for
// concurrent use; every call honors its context.
type Client struct {
	client *client.Client
	hotkey signature.KeyringPair
	netuid uint16
	fanout int
	log    *zap.SugaredLogger
}

func New(chain *client.Client, hotkey signature.KeyringPair, netuid uint16, opts Options) *Client {
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Client{
		client: chain,
		hotkey: hotkey,
		netuid: netuid,
		fanout: opts.Fanout,
		log:    opts.Log,
	}
}

// Hotkey is the ss58 address this client signs with.
func (c *Client) Hotkey() string {
	return c.hotkey.Address
}

type outcome[T any] struct {
	val T
	err error
}

// await runs one blocking chain call on its own goroutine so the caller's
// context stays in charge of how long we wait. An abandoned call finishes in
// the background and its result is dropped.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn()
		ch <- outcome[T]{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-ch:
		return out.val, out.err
	}
}

// blockHash pins the reads of one operation to a single block.
func (c *Client) blockHash(ctx context.Context) (types.Hash, error) {
	hash, err := await(ctx, c.client.Api.RPC.Chain.GetBlockHashLatest)
	if err != nil {
		return types.Hash{}, utils.Wrap("failed getting latest block hash", err)
	}
	return hash, nil
}

// readStorage decodes one storage value at a pinned block. The bool reports
// whether the key held a value there.
func (c *Client) readStorage(ctx context.Context, hash types.Hash, prefix, item string, target any, args ...any) (bool, error) {
	enc := make([][]byte, 0, len(args))
	for _, arg := range args {
		b, err := codec.Encode(arg)
		if err != nil {
			return false, utils.Wrap("failed encoding storage key", err)
		}
		enc = append(enc, b)
	}
	key, err := types.CreateStorageKey(c.client.Meta, prefix, item, enc...)
	if err != nil {
		return false, utils.Wrap("failed creating storage key", err)
	}
	return await(ctx, func() (bool, error) {
		return c.client.Api.RPC.State.GetStorage(key, target, hash)
	})
}

// axonRecord mirrors the chain-side axon info layout. The protocol slot
// carries the modality the peer serves.
type axonRecord struct {
	Block        types.U64
	Version      types.U32
	IP           types.U128
	Port         types.U16
	IPType       types.U8
	Protocol     types.U8
	Placeholder1 types.U8
	Placeholder2 types.U8
}

// weightPair is one (target uid, fixed-point weight) entry of a weight row.
type weightPair struct {
	UID types.U16
	Val types.U16
}

func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	head, err := await(ctx, c.client.Api.RPC.Chain.GetHeaderLatest)
	if err != nil {
		return 0, utils.Wrap("failed getting latest header", err)
	}
	return uint64(head.Number), nil
}

func (c *Client) subnetSize(ctx context.Context, hash types.Hash) (uint16, error) {
	var n types.U16
	ok, err := c.readStorage(ctx, hash, pallet, "SubnetworkN", &n, types.NewU16(c.netuid))
	if err != nil {
		return 0, utils.Wrap("failed reading subnet size", err)
	}
	if !ok {
		return 0, nil
	}
	return uint16(n), nil
}

func (c *Client) hotkeyAt(ctx context.Context, hash types.Hash, uid uint32) (types.AccountID, error) {
	var acc types.AccountID
	ok, err := c.readStorage(ctx, hash, pallet, "Keys", &acc, types.NewU16(c.netuid), types.NewU16(uint16(uid)))
	if err != nil {
		return types.AccountID{}, utils.Wrap(fmt.Sprintf("failed reading hotkey for uid %d", uid), err)
	}
	if !ok {
		return types.AccountID{}, fmt.Errorf("no hotkey registered for uid %d", uid)
	}
	return acc, nil
}

// StakeTable reads every uid's stake, in rao, at one block.
func (c *Client) StakeTable(ctx context.Context) (map[uint32]uint64, error) {
	hash, err := c.blockHash(ctx)
	if err != nil {
		return nil, err
	}
	n, err := c.subnetSize(ctx, hash)
	if err != nil {
		return nil, err
	}

	table := make(map[uint32]uint64, n)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	sem := make(chan struct{}, c.fanout)
	for uid := uint32(0); uid < uint32(n); uid++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			stake, err := c.stakeAt(ctx, hash, uid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			table[uid] = stake
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return table, nil
}

func (c *Client) stakeAt(ctx context.Context, hash types.Hash, uid uint32) (uint64, error) {
	acc, err := c.hotkeyAt(ctx, hash, uid)
	if err != nil {
		return 0, err
	}
	var alpha types.U64
	ok, err := c.readStorage(ctx, hash, pallet, "TotalHotkeyAlpha", &alpha, acc, types.NewU16(c.netuid))
	if err != nil {
		return 0, utils.Wrap(fmt.Sprintf("failed reading stake for uid %d", uid), err)
	}
	if !ok {
		return 0, nil
	}
	return uint64(alpha), nil
}

// LastEmitTable reads the per-uid last-update blocks. The chain stores the
// whole subnet's vector under one key.
func (c *Client) LastEmitTable(ctx context.Context) (map[uint32]uint64, error) {
	hash, err := c.blockHash(ctx)
	if err != nil {
		return nil, err
	}
	var emits []types.U64
	_, err = c.readStorage(ctx, hash, pallet, "LastUpdate", &emits, types.NewU16(c.netuid))
	if err != nil {
		return nil, utils.Wrap("failed reading last update table", err)
	}
	table := make(map[uint32]uint64, len(emits))
	for uid, emit := range emits {
		table[uint32(uid)] = uint64(emit)
	}
	return table, nil
}

// WeightRow reads one peer's outbound weights as (target uid, fixed-point
// value) pairs. A missing row is an empty row.
func (c *Client) WeightRow(ctx context.Context, uid uint32) ([]uint32, []uint16, error) {
	hash, err := c.blockHash(ctx)
	if err != nil {
		return nil, nil, err
	}
	var row []weightPair
	_, err = c.readStorage(ctx, hash, pallet, "Weights", &row, types.NewU16(c.netuid), types.NewU16(uint16(uid)))
	if err != nil {
		return nil, nil, utils.Wrap(fmt.Sprintf("failed reading weight row for uid %d", uid), err)
	}
	uids := make([]uint32, 0, len(row))
	vals := make([]uint16, 0, len(row))
	for _, pair := range row {
		uids = append(uids, uint32(pair.UID))
		vals = append(vals, uint16(pair.Val))
	}
	return uids, vals, nil
}

// Endpoint assembles a peer's reachable address from its registered hotkey
// and posted axon info. Peers that never served keep an address-less record
// so weight rows can still name them.
func (c *Client) Endpoint(ctx context.Context, uid uint32) (endpoint.Endpoint, error) {
	hash, err := c.blockHash(ctx)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	acc, err := c.hotkeyAt(ctx, hash, uid)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	ss58 := utils.AccountIDToSS58(acc)

	var rec axonRecord
	ok, err := c.readStorage(ctx, hash, pallet, "Axons", &rec, types.NewU16(c.netuid), acc)
	if err != nil {
		return endpoint.Endpoint{}, utils.Wrap(fmt.Sprintf("failed reading axon info for uid %d", uid), err)
	}
	ip := ""
	if ok {
		ip = endpoint.FromChainIP(rec.IP, uint8(rec.IPType))
	}
	if ip == "" {
		return endpoint.Endpoint{Hotkey: ss58, UID: uid}, nil
	}
	ep, err := endpoint.New(uid, ss58, ip, uint16(rec.Port), tensor.Modality(uint8(rec.Protocol)))
	if err != nil {
		c.log.Warnw("Discarding unusable axon info", "uid", uid, "error", err)
		return endpoint.Endpoint{Hotkey: ss58, UID: uid}, nil
	}
	return ep, nil
}

// UID scans the subnet's neuron set for the uid our hotkey holds. Returns an
// error when the hotkey is not registered.
func (c *Client) UID(ctx context.Context) (uint32, error) {
	hash, err := c.blockHash(ctx)
	if err != nil {
		return 0, err
	}
	neurons, err := await(ctx, func() ([]runtime.NeuronInfo, error) {
		return runtime.GetNeurons(c.client, c.netuid, &hash)
	})
	if err != nil {
		return 0, utils.Wrap("failed getting neurons", err)
	}
	for _, n := range neurons {
		if utils.AccountIDToSS58(n.Hotkey) == c.hotkey.Address {
			return uint32(n.UID.Int64()), nil
		}
	}
	return 0, fmt.Errorf("hotkey %s is not registered on subnet %d", c.hotkey.Address, c.netuid)
}
