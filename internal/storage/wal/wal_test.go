package wal

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qaexchange/pkg/types"
)

func testLogger() zerolog.Logger { return zerolog.New(os.Stderr) }

func TestAppendOrderAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1<<20, true, testLogger())
	require.NoError(t, err)

	order := &types.Order{
		OrderID:         "11111111-1111-1111-1111-111111111111",
		ExchangeOrderID: "EX_1_IF2501_1",
		UserID:          "alice",
		Instrument:      "IF2501",
		Direction:       types.DirectionBuy,
		Offset:          types.OffsetOpen,
		Towards:         types.TowardsBuyOpen,
		LimitPrice:      decimal.NewFromFloat(3800.2),
		Volume:          decimal.NewFromInt(1),
		Status:          types.OrderSubmitted,
	}
	require.NoError(t, w.AppendOrder(order))
	require.NoError(t, w.Close())

	recs, err := ReplayAll(dir, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, KindOrderInsert, recs[0].Kind)

	p, err := DecodeOrderInsert(recs[0])
	require.NoError(t, err)
	require.Equal(t, order.OrderID, types.UnpadOrderID(p.OrderID))
	require.Equal(t, order.Instrument, InstrumentFromFixed(p.Instrument))
	require.True(t, FromScaled(p.LimitPriceScaled).Equal(order.LimitPrice))
}

func TestReplaySkipsCorruptedRecordButKeepsLaterOnes(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1<<20, true, testLogger())
	require.NoError(t, err)

	trade := &types.Trade{
		TradeID:     "t1",
		BuyOrderID:  "b1",
		SellOrderID: "s1",
		BuyUser:     "alice",
		SellUser:    "bob",
		Instrument:  "IF2501",
		Price:       decimal.NewFromInt(3800),
		Volume:      decimal.NewFromInt(1),
		Sequence:    1,
	}
	require.NoError(t, w.AppendTrade(trade))
	require.NoError(t, w.AppendTrade(trade))
	require.NoError(t, w.Close())

	// Corrupt the first record's payload bytes in place (flip a byte well
	// past the length prefix so both frames remain the correct length).
	segs, err := ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	data, err := os.ReadFile(segs[0])
	require.NoError(t, err)
	data[HeaderSize+4+20] ^= 0xFF
	require.NoError(t, os.WriteFile(segs[0], data, 0o644))

	recs, err := ReplayAll(dir, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 1, "first record corrupted and skipped, second survives")
}

func TestSequencesAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1<<20, true, testLogger())
	require.NoError(t, err)
	defer w.Close()

	var last uint64
	for i := 0; i < 50; i++ {
		seq, err := w.Append(KindCheckpoint, CheckpointPayload{Sequence: uint64(i)}.bytes())
		require.NoError(t, err)
		require.Greater(t, seq, last)
		last = seq
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1<<20, true, testLogger())
	require.NoError(t, err)

	seq, err := w.AppendCheckpoint()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	recs, err := ReplayAll(dir, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	cp, err := DecodeCheckpoint(recs[0])
	require.NoError(t, err)
	require.Equal(t, seq-1, cp.Sequence) // checkpoint payload carries the sequence *before* itself
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny max size forces rotation after a handful of records.
	w, err := Open(dir, HeaderSize+64, true, testLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := w.Append(KindCheckpoint, CheckpointPayload{Sequence: uint64(i)}.bytes())
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	segs, err := ListSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1, "small segment cap should force rotation")

	recs, err := ReplayAll(dir, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 20)
}
