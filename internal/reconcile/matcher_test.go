package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/pkg/models"
)

func TestMatchSplitsExitAcrossEntriesFIFO(t *testing.T) {
	rec, st, _ := newTestEnv(t)
	ctx := context.Background()
	strat := seedStrategy(t, st)

	// Two entries, one full close: 0.05 @ 50000, 0.05 @ 51000, exit 0.1 @ 52000.
	_, _, err := rec.RecordFill(ctx, strat, orderResult("entry-1", "BUY", "0.05", "50000", "1"), models.ExitReasonNone)
	require.NoError(t, err)
	_, _, err = rec.RecordFill(ctx, strat, orderResult("entry-2", "BUY", "0.05", "51000", "1"), models.ExitReasonNone)
	require.NoError(t, err)

	exit := orderResult("exit-1", "SELL", "0.1", "52000", "2")
	_, trades, err := rec.RecordFill(ctx, strat, exit, models.ExitReasonTakeProfit)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	first, second := trades[0], trades[1]
	assert.True(t, first.EntryPrice.Equal(dec("50000")), "oldest entry consumed first")
	assert.True(t, first.RealizedPnL.Equal(dec("100")), "(52000-50000)*0.05, got %s", first.RealizedPnL)
	assert.True(t, second.EntryPrice.Equal(dec("51000")))
	assert.True(t, second.RealizedPnL.Equal(dec("50")))

	// Entry fee passes through whole (fill fully consumed); exit fee is
	// split in half across the two trades.
	assert.True(t, first.Fees.Equal(dec("2")), "1 entry + 1 of 2 exit, got %s", first.Fees)
	assert.True(t, second.Fees.Equal(dec("2")))

	assert.Equal(t, models.PositionSideLong, first.Side)
	assert.Equal(t, models.ExitReasonTakeProfit, first.ExitReason)
	assert.True(t, strat.PositionSize.IsZero())
	assert.Nil(t, strat.PositionInstanceID, "fully matched close releases the instance")
}

func TestMatchPartialExit(t *testing.T) {
	rec, st, _ := newTestEnv(t)
	ctx := context.Background()
	strat := seedStrategy(t, st)

	_, _, err := rec.RecordFill(ctx, strat, orderResult("entry-1", "BUY", "0.1", "50000", "2"), models.ExitReasonNone)
	require.NoError(t, err)
	instance := *strat.PositionInstanceID

	_, trades, err := rec.RecordFill(ctx, strat, orderResult("exit-1", "SELL", "0.04", "51000", "1"), models.ExitReasonStopLoss)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.True(t, tr.Quantity.Equal(dec("0.04")))
	assert.True(t, tr.RealizedPnL.Equal(dec("40")))
	// 40% of the 2.00 entry fee plus the whole 1.00 exit fee.
	assert.True(t, tr.Fees.Equal(dec("1.8")), "got %s", tr.Fees)

	assert.True(t, strat.PositionSize.Equal(dec("0.06")))
	assert.Equal(t, instance, *strat.PositionInstanceID, "partial close keeps the lifetime open")

	remaining, err := st.ListUnmatchedEntryFills(ctx, strat.ID, instance)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].MatchedQty.Equal(dec("0.04")))
}

func TestMatchShortDirectionPnL(t *testing.T) {
	rec, st, _ := newTestEnv(t)
	ctx := context.Background()
	strat := seedStrategy(t, st)

	_, _, err := rec.RecordFill(ctx, strat, orderResult("entry-1", "SELL", "0.05", "50000", "1"), models.ExitReasonNone)
	require.NoError(t, err)
	require.Equal(t, models.PositionSideShort, strat.PositionSide)

	_, trades, err := rec.RecordFill(ctx, strat, orderResult("exit-1", "BUY", "0.05", "49000", "1"), models.ExitReasonTakeProfit)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	assert.Equal(t, models.PositionSideShort, trades[0].Side)
	assert.True(t, trades[0].RealizedPnL.Equal(dec("50")), "short profits when price falls, got %s", trades[0].RealizedPnL)
}

func TestMatchReplayedExitProducesNothing(t *testing.T) {
	rec, st, _ := newTestEnv(t)
	ctx := context.Background()
	strat := seedStrategy(t, st)

	_, _, err := rec.RecordFill(ctx, strat, orderResult("entry-1", "BUY", "0.05", "50000", "1"), models.ExitReasonNone)
	require.NoError(t, err)

	exit := orderResult("exit-1", "SELL", "0.05", "52000", "1")
	_, trades, err := rec.RecordFill(ctx, strat, exit, models.ExitReasonTakeProfit)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// The same exit fill arrives again; matched quantity is found via the
	// exit-fill lookup and nothing new is emitted.
	_, replayed, err := rec.RecordFill(ctx, strat, exit, models.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.Empty(t, replayed)

	all, err := st.ListTradesByExitFill(ctx, trades[0].ExitFillID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "replay must not duplicate trades")
}

func TestMatchExitWithoutEntriesWarnsAndSkips(t *testing.T) {
	rec, st, _ := newTestEnv(t)
	ctx := context.Background()
	strat := seedStrategy(t, st)

	// A protective order filled for a position whose entries were never
	// recorded (e.g. opened before the engine tracked this strategy).
	exit := orderResult("exit-1", "SELL", "0.05", "52000", "1")
	exit.ReduceOnly = true
	_, trades, err := rec.RecordFill(ctx, strat, exit, models.ExitReasonStopLoss)
	require.NoError(t, err, "an unmatchable exit is not an error")
	assert.Empty(t, trades)
}
