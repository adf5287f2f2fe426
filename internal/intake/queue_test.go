package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/model"
)

func sampleTuple(key string) model.FetchEmitTuple {
	return model.FetchEmitTuple{
		FetchKey:         model.FetchKey{FetcherID: "f1", Key: key},
		EmitKey:          model.EmitKey{EmitterID: "e1", Key: key},
		OnParseException: model.PolicySkip,
	}
}

func TestOfferAndTake(t *testing.T) {
	q := New(2)
	ctx := context.Background()

	require.NoError(t, q.Offer(ctx, sampleTuple("a"), 0))

	tup, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", tup.FetchKey.Key)
}

func TestOfferTimeoutWhenFull(t *testing.T) {
	q := New(1)
	ctx := context.Background()

	require.NoError(t, q.Offer(ctx, sampleTuple("a"), 0))
	err := q.Offer(ctx, sampleTuple("b"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrOfferTimeout)
}

func TestOfferBatchAllOrNothing(t *testing.T) {
	q := New(2)
	ctx := context.Background()

	batch := []model.FetchEmitTuple{sampleTuple("a"), sampleTuple("b"), sampleTuple("c")}
	err := q.OfferBatch(ctx, batch, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrOfferTimeout)

	// Nothing should have been admitted: a lone Offer of the same
	// capacity must still succeed twice.
	require.NoError(t, q.Offer(ctx, sampleTuple("x"), 0))
	require.NoError(t, q.Offer(ctx, sampleTuple("y"), 0))
}

func TestCloseDrainsThenReportsNotOK(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	require.NoError(t, q.Offer(ctx, sampleTuple("a"), 0))
	q.Close()

	_, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Take(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOfferAfterCloseFails(t *testing.T) {
	q := New(4)
	q.Close()
	err := q.Offer(context.Background(), sampleTuple("a"), 0)
	require.ErrorIs(t, err, ErrQueueClosed)
}
