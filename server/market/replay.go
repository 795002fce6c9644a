// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"fmt"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
)

// replay re-executes the archived commands in order. Each must commit with
// its archived transaction ID and emit exactly its archived events, otherwise
// the archive was written by a market with a different configuration.
func (m *Market) replay(ctx context.Context) error {
	recs, err := m.storage.Txs(ctx, 0)
	if err != nil {
		return fmt.Errorf("error loading archive: %w", err)
	}
	if len(recs) == 0 {
		log.Infof("Archive is empty.")
		return nil
	}
	for _, rec := range recs {
		if err = m.replayTx(ctx, rec); err != nil {
			return fmt.Errorf("tx %d (%s): %w", rec.ID, rec.Op, err)
		}
	}
	next, _ := m.NextID(ctx)
	log.Infof("Replayed %d archived transactions. %d listings.", len(recs), next)
	return nil
}

func (m *Market) replayTx(ctx context.Context, rec *db.TxRecord) error {
	cmd, err := decodeCommand(rec.Op, rec.Args)
	if err != nil {
		return err
	}
	rcpt, err := m.chain.Transact(ctx, func(tx *chain.Tx) error {
		return cmd.run(m, tx, rec.Caller)
	})
	if err != nil {
		return fm.NewError(ErrReplayMismatch, fmt.Sprintf("archived command failed: %v", err))
	}
	if rcpt.TxID != rec.ID {
		return fm.NewError(ErrReplayMismatch, fmt.Sprintf("committed as tx %d", rcpt.TxID))
	}
	evs := ledgerEvents(rcpt.Logs, rec.Caller, rec.Stamp)
	if len(evs) != len(rec.Events) {
		return fm.NewError(ErrReplayMismatch, fmt.Sprintf("%d events, archived %d", len(evs), len(rec.Events)))
	}
	for i, ev := range evs {
		if !sameEvent(ev, rec.Events[i]) {
			return fm.NewError(ErrReplayMismatch, fmt.Sprintf("event %d is %s for listing %d, archived %s for listing %d",
				i, ev.Kind, ev.ListingID, rec.Events[i].Kind, rec.Events[i].ListingID))
		}
	}
	return nil
}
