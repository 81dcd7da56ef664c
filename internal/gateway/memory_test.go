package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryGateway_CreateGet(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	g := NewMemoryGateway(clk)

	id, err := g.Create(ctx, models.Conversation{GuideSlug: "tour", VisitorName: "Ana"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := g.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, t0, rec.CreatedAt)
	assert.Equal(t, "Ana", rec.VisitorName)

	_, err = g.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGateway_SubscribeDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(clock.NewFake(t0))
	id, err := g.Create(ctx, models.Conversation{GuideSlug: "tour"})
	require.NoError(t, err)

	var got []models.Conversation
	unsub, err := g.Subscribe(ctx, id, func(rec models.Conversation) { got = append(got, rec) })
	require.NoError(t, err)
	require.Len(t, got, 1, "initial snapshot")

	require.NoError(t, g.AppendMessage(ctx, id, models.Message{From: models.FromVisitor, Text: "hi"}))
	require.Len(t, got, 2)
	assert.Len(t, got[1].Messages, 1)
	assert.Empty(t, got[0].Messages, "earlier snapshots are not aliased")

	unsub()
	unsub()
	require.NoError(t, g.AppendMessage(ctx, id, models.Message{From: models.FromVisitor, Text: "again"}))
	assert.Len(t, got, 2)
	assert.Equal(t, 0, g.Subscribers(id))
}

func TestMemoryGateway_OnceFlags(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(nil)
	id, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.AppendMessage(ctx, id, models.Message{From: models.FromSystem, Text: "t", Meta: models.MessageMeta{IsTransitionMessage: true}}))
		require.NoError(t, g.AppendMessage(ctx, id, models.Message{From: models.FromSystem, Text: "c", Meta: models.MessageMeta{IsClosingMessage: true}}))
	}
	rec, _ := g.Record(id)
	require.Len(t, rec.Messages, 2)
	assert.True(t, rec.Messages[0].Meta.IsTransitionMessage)
	assert.True(t, rec.Messages[1].Meta.IsClosingMessage)
}

func TestMemoryGateway_AppendKeepsTimeOrder(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(clock.NewFake(t0))
	id, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})

	require.NoError(t, g.AppendMessage(ctx, id, models.Message{Text: "a", Timestamp: t0.Add(time.Minute)}))
	require.NoError(t, g.AppendMessage(ctx, id, models.Message{Text: "b", Timestamp: t0}))
	require.NoError(t, g.AppendMessage(ctx, id, models.Message{Text: "c"}))

	rec, _ := g.Record(id)
	require.Len(t, rec.Messages, 3)
	assert.False(t, rec.Messages[1].Timestamp.Before(rec.Messages[0].Timestamp))
	assert.False(t, rec.Messages[2].Timestamp.Before(rec.Messages[1].Timestamp))
}

func TestMemoryGateway_SetStatusAudits(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(nil)
	id, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})

	require.NoError(t, g.SetStatus(ctx, id, models.StatusClosed, "operator:bia", "resolved"))
	rec, _ := g.Record(id)
	assert.Equal(t, models.StatusClosed, rec.Status)

	changes := g.StatusChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusActive, changes[0].FromStatus)
	assert.Equal(t, models.StatusClosed, changes[0].ToStatus)
	assert.Equal(t, "operator:bia", changes[0].Actor)

	err := g.SetStatus(ctx, id, "bogus", "x", "")
	assert.Error(t, err)
	err = g.SetStatus(ctx, "missing", models.StatusClosed, "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGateway_SetViewedOnlyPushesOnChange(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(nil)
	id, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})
	pushes := 0
	_, err := g.Subscribe(ctx, id, func(models.Conversation) { pushes++ })
	require.NoError(t, err)

	require.NoError(t, g.SetViewed(ctx, id, true))
	require.NoError(t, g.SetViewed(ctx, id, true))
	assert.Equal(t, 2, pushes)
}

func TestMemoryGateway_ListByGuide(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	g := NewMemoryGateway(clk)

	var lists [][]models.Conversation
	_, err := g.ListByGuide(ctx, "tour", func(l []models.Conversation) { lists = append(lists, l) })
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0])

	first, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})
	clk.Advance(time.Second)
	second, _ := g.Create(ctx, models.Conversation{GuideSlug: "tour"})
	_, _ = g.Create(ctx, models.Conversation{GuideSlug: "other"})

	require.Len(t, lists, 3)
	last := lists[2]
	require.Len(t, last, 2)
	assert.Equal(t, second, last[0].ID, "newest first")
	assert.Equal(t, first, last[1].ID)
}

func TestMemoryGateway_TestHelpers(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(nil)

	boom := errors.New("boom")
	g.FailNext("create", boom)
	_, err := g.Create(ctx, models.Conversation{})
	assert.ErrorIs(t, err, boom)

	g.LagNewRecords(2)
	id, err := g.Create(ctx, models.Conversation{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = g.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err = g.Get(ctx, id)
	assert.NoError(t, err)

	g.Put(models.Conversation{ID: "seeded", CreatedAt: t0.Add(-time.Hour)})
	var seen models.Conversation
	_, err = g.Subscribe(ctx, "seeded", func(r models.Conversation) { seen = r })
	require.NoError(t, err)
	g.SimulatePush(models.Conversation{ID: "seeded", Status: models.StatusClosed, CreatedAt: t0.Add(-time.Hour)})
	assert.Equal(t, models.StatusClosed, seen.Status)

	assert.Contains(t, g.Calls(), "subscribe")
	assert.Len(t, g.Records(), 2)
}
