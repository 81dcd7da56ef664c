package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
)

// MemoryGateway keeps records in process memory and delivers pushes
// synchronously on the writer's goroutine, after its own lock is released.
// It backs the in-memory serve mode and tests.
type MemoryGateway struct {
	clock clock.Clock

	mu       sync.Mutex
	records  map[string]*models.Conversation
	changes  []models.StatusChange
	subs     map[string]map[int]func(models.Conversation)
	listSubs map[int]listSub
	nextSub  int
	failNext map[string]error
	getLag   map[string]int
	lagNew   int
	calls    []string
}

type listSub struct {
	slug string
	fn   func([]models.Conversation)
}

// NewMemoryGateway returns an empty gateway. A nil clock uses wall time.
func NewMemoryGateway(c clock.Clock) *MemoryGateway {
	return &MemoryGateway{
		clock:    clock.OrReal(c),
		records:  make(map[string]*models.Conversation),
		subs:     make(map[string]map[int]func(models.Conversation)),
		listSubs: make(map[int]listSub),
		failNext: make(map[string]error),
		getLag:   make(map[string]int),
	}
}

// Create implements Gateway.
func (g *MemoryGateway) Create(_ context.Context, rec models.Conversation) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "create")
	if err := g.takeFailure("create"); err != nil {
		g.mu.Unlock()
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := g.records[rec.ID]; exists {
		g.mu.Unlock()
		return "", fmt.Errorf("gateway: create %s: already exists", rec.ID)
	}
	now := g.clock.Now()
	if rec.Status == "" {
		rec.Status = models.StatusActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1
	rec.Messages = rec.Messages.Clone()
	g.records[rec.ID] = &rec
	if g.lagNew > 0 {
		g.getLag[rec.ID] = g.lagNew
	}
	slug := rec.GuideSlug
	g.mu.Unlock()

	g.notifyList(slug)
	return rec.ID, nil
}

// Get implements Gateway.
func (g *MemoryGateway) Get(_ context.Context, id string) (models.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "get")
	if err := g.takeFailure("get"); err != nil {
		return models.Conversation{}, err
	}
	if n := g.getLag[id]; n > 0 {
		g.getLag[id] = n - 1
		return models.Conversation{}, ErrNotFound
	}
	rec, ok := g.records[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Subscribe implements Gateway. The current snapshot is delivered before
// Subscribe returns.
func (g *MemoryGateway) Subscribe(_ context.Context, id string, fn func(models.Conversation)) (Unsubscribe, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "subscribe")
	if err := g.takeFailure("subscribe"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return nil, ErrNotFound
	}
	g.nextSub++
	key := g.nextSub
	if g.subs[id] == nil {
		g.subs[id] = make(map[int]func(models.Conversation))
	}
	g.subs[id][key] = fn
	snap := rec.Clone()
	g.mu.Unlock()

	fn(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs[id], key)
			g.mu.Unlock()
		})
	}, nil
}

// AppendMessage implements Gateway.
func (g *MemoryGateway) AppendMessage(_ context.Context, id string, msg models.Message) error {
	return g.mutate("append", id, func(rec *models.Conversation) bool {
		if !acceptMessage(rec.Messages, msg) {
			return false
		}
		rec.Messages = append(rec.Messages.Clone(), stamp(rec.Messages, msg, g.clock.Now()))
		return true
	})
}

// SetStatus implements Gateway.
func (g *MemoryGateway) SetStatus(_ context.Context, id string, status models.Status, actor, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("gateway: set status %s: invalid status %q", id, status)
	}
	return g.mutate("set_status", id, func(rec *models.Conversation) bool {
		g.changes = append(g.changes, models.StatusChange{
			ID:             uint(len(g.changes) + 1),
			ConversationID: id,
			FromStatus:     rec.Status,
			ToStatus:       status,
			Actor:          actor,
			Reason:         reason,
			CreatedAt:      g.clock.Now(),
		})
		rec.Status = status
		return true
	})
}

// SetViewed implements Gateway.
func (g *MemoryGateway) SetViewed(_ context.Context, id string, viewed bool) error {
	return g.mutate("set_viewed", id, func(rec *models.Conversation) bool {
		if rec.ViewedByOperator == viewed {
			return false
		}
		rec.ViewedByOperator = viewed
		return true
	})
}

// ListByGuide implements Gateway. The current list is delivered before
// ListByGuide returns.
func (g *MemoryGateway) ListByGuide(_ context.Context, guideSlug string, fn func([]models.Conversation)) (Unsubscribe, error) {
	g.mu.Lock()
	g.nextSub++
	key := g.nextSub
	g.listSubs[key] = listSub{slug: guideSlug, fn: fn}
	list := g.listLocked(guideSlug)
	g.mu.Unlock()

	fn(list)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listSubs, key)
			g.mu.Unlock()
		})
	}, nil
}

// mutate applies fn to the stored record and pushes the new snapshot when fn
// reports a change.
func (g *MemoryGateway) mutate(op, id string, fn func(*models.Conversation) bool) error {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	if err := g.takeFailure(op); err != nil {
		g.mu.Unlock()
		return err
	}
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("gateway: %s %s: %w", op, id, ErrNotFound)
	}
	if !fn(rec) {
		g.mu.Unlock()
		return nil
	}
	rec.Version++
	rec.UpdatedAt = g.clock.Now()
	snap := rec.Clone()
	subs := g.subscribersLocked(id)
	g.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	g.notifyList(snap.GuideSlug)
	return nil
}

func (g *MemoryGateway) subscribersLocked(id string) []func(models.Conversation) {
	keys := make([]int, 0, len(g.subs[id]))
	for k := range g.subs[id] {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]func(models.Conversation), len(keys))
	for i, k := range keys {
		out[i] = g.subs[id][k]
	}
	return out
}

func (g *MemoryGateway) listLocked(slug string) []models.Conversation {
	var out []models.Conversation
	for _, rec := range g.records {
		if rec.GuideSlug == slug {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (g *MemoryGateway) notifyList(slug string) {
	g.mu.Lock()
	var fns []func([]models.Conversation)
	keys := make([]int, 0, len(g.listSubs))
	for k, s := range g.listSubs {
		if s.slug == slug {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	for _, k := range keys {
		fns = append(fns, g.listSubs[k].fn)
	}
	var list []models.Conversation
	if len(fns) > 0 {
		list = g.listLocked(slug)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(list)
	}
}

func (g *MemoryGateway) takeFailure(op string) error {
	if err, ok := g.failNext[op]; ok {
		delete(g.failNext, op)
		return err
	}
	return nil
}

// --- Test helpers ---

// FailNext makes the next call of op return err. Ops: create, get,
// subscribe, append, set_status, set_viewed.
func (g *MemoryGateway) FailNext(op string, err error) {
	g.mu.Lock()
	g.failNext[op] = err
	g.mu.Unlock()
}

// LagNewRecords makes the first n Get calls for each record created after
// this call return ErrNotFound.
func (g *MemoryGateway) LagNewRecords(n int) {
	g.mu.Lock()
	g.lagNew = n
	g.mu.Unlock()
}

// Put stores rec as-is, without notifying anyone. Used to seed records with
// arbitrary timestamps.
func (g *MemoryGateway) Put(rec models.Conversation) {
	g.mu.Lock()
	rec.Messages = rec.Messages.Clone()
	g.records[rec.ID] = &rec
	g.mu.Unlock()
}

// SimulatePush replaces the stored record with rec and pushes it to every
// subscriber, as if another writer had changed it.
func (g *MemoryGateway) SimulatePush(rec models.Conversation) {
	g.mu.Lock()
	stored := rec.Clone()
	g.records[rec.ID] = &stored
	subs := g.subscribersLocked(rec.ID)
	g.mu.Unlock()

	for _, fn := range subs {
		fn(rec.Clone())
	}
	g.notifyList(rec.GuideSlug)
}

// Record returns a copy of the stored record, bypassing lag and failures.
func (g *MemoryGateway) Record(id string) (models.Conversation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	if !ok {
		return models.Conversation{}, false
	}
	return rec.Clone(), true
}

// Records returns copies of all stored records.
func (g *MemoryGateway) Records() []models.Conversation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Conversation, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StatusChanges returns the audit trail of SetStatus calls.
func (g *MemoryGateway) StatusChanges() []models.StatusChange {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.StatusChange, len(g.changes))
	copy(out, g.changes)
	return out
}

// Subscribers returns the number of live subscriptions for id.
func (g *MemoryGateway) Subscribers(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[id])
}

// Calls returns the ops invoked so far, in order.
func (g *MemoryGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}
