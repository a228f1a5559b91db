package subtensor

import (
	"context"
	"fmt"

	"github.com/opentensor/BitTensor/internal/utils"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/extrinsic"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/subtrahend-labs/gobt/sigtools"
)

// accountRecord mirrors the frame system account layout. Balances on this
// chain are u64 rao.
type accountRecord struct {
	Nonce       types.U32
	Consumers   types.U32
	Providers   types.U32
	Sufficients types.U32
	Free        types.U64
	Reserved    types.U64
	Frozen      types.U64
	Flags       types.U128
}

// Balance reads the free balance of an ss58 address in rao. Unknown accounts
// read as zero.
func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	acc, err := utils.SS58ToAccountID(addr)
	if err != nil {
		return 0, err
	}
	hash, err := c.blockHash(ctx)
	if err != nil {
		return 0, err
	}
	var info accountRecord
	ok, err := c.readStorage(ctx, hash, "System", "Account", &info, acc)
	if err != nil {
		return 0, utils.Wrap("failed reading account balance", err)
	}
	if !ok {
		return 0, nil
	}
	return uint64(info.Free), nil
}

// StakeFor reads the stake a hotkey holds on this subnet, in rao.
func (c *Client) StakeFor(ctx context.Context, hotkey string) (uint64, error) {
	acc, err := utils.SS58ToAccountID(hotkey)
	if err != nil {
		return 0, err
	}
	hash, err := c.blockHash(ctx)
	if err != nil {
		return 0, err
	}
	var alpha types.U64
	ok, err := c.readStorage(ctx, hash, pallet, "TotalHotkeyAlpha", &alpha, acc, types.NewU16(c.netuid))
	if err != nil {
		return 0, utils.Wrap("failed reading stake", err)
	}
	if !ok {
		return 0, nil
	}
	return uint64(alpha), nil
}

// Transfer moves rao from the signing key to dest. The transfer is refused
// up front when the signer's free balance cannot cover it.
func (c *Client) Transfer(ctx context.Context, dest string, amount uint64, waitForFinalization bool) error {
	destAcc, err := utils.SS58ToAccountID(dest)
	if err != nil {
		return err
	}
	balance, err := c.Balance(ctx, c.hotkey.Address)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("balance of %d rao cannot cover transfer of %d rao", balance, amount)
	}
	destMulti, err := types.NewMultiAddressFromAccountID(destAcc.ToBytes())
	if err != nil {
		return utils.Wrap("invalid transfer destination", err)
	}
	err = c.submitCall(ctx, "Balances.transfer_keep_alive", waitForFinalization,
		destMulti, types.NewUCompactFromUInt(amount))
	if err != nil {
		return err
	}
	c.log.Infow("Transferred balance", "dest", dest, "rao", amount)
	return nil
}

// AddStake delegates rao from the signing key's balance to a hotkey on this
// subnet.
func (c *Client) AddStake(ctx context.Context, hotkey string, amount uint64, waitForFinalization bool) error {
	acc, err := utils.SS58ToAccountID(hotkey)
	if err != nil {
		return err
	}
	balance, err := c.Balance(ctx, c.hotkey.Address)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("balance of %d rao cannot cover stake of %d rao", balance, amount)
	}
	err = c.submitCall(ctx, "SubtensorModule.add_stake", waitForFinalization,
		acc, types.NewU16(c.netuid), types.NewU64(amount))
	if err != nil {
		return err
	}
	c.log.Infow("Added stake", "hotkey", hotkey, "rao", amount)
	return nil
}

// RemoveStake withdraws rao staked to a hotkey on this subnet back to the
// signing key's balance.
func (c *Client) RemoveStake(ctx context.Context, hotkey string, amount uint64, waitForFinalization bool) error {
	acc, err := utils.SS58ToAccountID(hotkey)
	if err != nil {
		return err
	}
	staked, err := c.StakeFor(ctx, hotkey)
	if err != nil {
		return err
	}
	if staked < amount {
		return fmt.Errorf("stake of %d rao cannot cover withdrawal of %d rao", staked, amount)
	}
	err = c.submitCall(ctx, "SubtensorModule.remove_stake", waitForFinalization,
		acc, types.NewU16(c.netuid), types.NewU64(amount))
	if err != nil {
		return err
	}
	c.log.Infow("Removed stake", "hotkey", hotkey, "rao", amount)
	return nil
}

// submitCall signs and submits one runtime call, optionally watching it into
// a block.
func (c *Client) submitCall(ctx context.Context, method string, waitForFinalization bool, args ...any) error {
	call, err := types.NewCall(c.client.Meta, method, args...)
	if err != nil {
		return utils.Wrap(fmt.Sprintf("failed creating %s call", method), err)
	}
	ext := extrinsic.NewExtrinsic(call)
	ops, err := sigtools.CreateSigningOptions(c.client, c.hotkey, nil)
	if err != nil {
		return utils.Wrap("failed creating signing options", err)
	}
	err = ext.Sign(
		c.hotkey,
		c.client.Meta,
		ops...,
	)
	if err != nil {
		return utils.Wrap(fmt.Sprintf("failed signing %s", method), err)
	}

	if !waitForFinalization {
		_, err := await(ctx, func() (types.Hash, error) {
			return c.client.Api.RPC.Author.SubmitExtrinsic(ext)
		})
		if err != nil {
			return utils.Wrap(fmt.Sprintf("failed submitting %s", method), err)
		}
		return nil
	}

	sub, err := c.client.Api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return utils.Wrap(fmt.Sprintf("failed submitting %s", method), err)
	}
	defer sub.Unsubscribe()
	return c.watch(ctx, sub.Chan(), sub.Err())
}
