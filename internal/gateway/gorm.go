package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
	"gorm.io/gorm"
)

const maxWriteAttempts = 8

var errVersionConflict = errors.New("gateway: version conflict")

// Notifier fans change notifications out to other guidepost processes that
// share the database.
type Notifier interface {
	NotifyChange(ctx context.Context, id, guideSlug string) error
	// OnChange calls fn for every change published by any process.
	OnChange(fn func(id, guideSlug string)) (func(), error)
}

// GormOpts configures a GormGateway.
type GormOpts struct {
	DB           *gorm.DB
	Clock        clock.Clock
	Logger       *logrus.Logger
	PollInterval time.Duration
	Notifier     Notifier // optional
}

// GormGateway stores conversations in SQL. Writes are read-modify-write
// against a version column and retried on conflict, so concurrent appends
// never lose messages. Subscribers are fed by a change poller that a local
// write or a Notifier message wakes early. Each subscriber receives its
// pushes on its own goroutine, latest snapshot first, so a slow callback
// delays nobody else.
type GormGateway struct {
	db       *gorm.DB
	clock    clock.Clock
	log      *logrus.Logger
	interval time.Duration
	notifier Notifier

	mu       sync.Mutex
	subs     map[string]map[int]*recordSub
	listSubs map[int]*guideSub
	nextSub  int

	pollMu  sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	offNote func()
}

type recordSub struct {
	box     *mailbox[models.Conversation]
	version int64
}

type guideSub struct {
	slug string
	box  *mailbox[[]models.Conversation]
	sig  string
}

// mailbox holds at most one undelivered value for a subscriber. A newer
// offer replaces a value the subscriber has not taken yet.
type mailbox[T any] struct {
	ch   chan T
	stop chan struct{}
	once sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ch: make(chan T, 1), stop: make(chan struct{})}
}

func (m *mailbox[T]) offer(v T) {
	for {
		select {
		case m.ch <- v:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// run delivers offered values to fn until close.
func (m *mailbox[T]) run(fn func(T)) {
	go func() {
		for {
			select {
			case <-m.stop:
				return
			case v := <-m.ch:
				select {
				case <-m.stop:
					return
				default:
				}
				fn(v)
			}
		}
	}()
}

func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.stop) })
}

// NewGormGateway returns a gateway over opts.DB. Call Start to run the
// change poller.
func NewGormGateway(opts GormOpts) (*GormGateway, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gateway: gorm: db is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &GormGateway{
		db:       opts.DB,
		clock:    clock.OrReal(opts.Clock),
		log:      opts.Logger,
		interval: opts.PollInterval,
		notifier: opts.Notifier,
		subs:     make(map[string]map[int]*recordSub),
		listSubs: make(map[int]*guideSub),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the change poller until ctx is done or Close is called.
func (g *GormGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway: gorm: already started")
	}
	g.started = true
	g.mu.Unlock()

	if g.notifier != nil {
		off, err := g.notifier.OnChange(func(string, string) { g.wake() })
		if err != nil {
			return fmt.Errorf("gateway: gorm: subscribe notifier: %w", err)
		}
		g.offNote = off
	}

	go g.loop(ctx)
	return nil
}

// Close stops the poller started by Start and ends subscriber delivery.
func (g *GormGateway) Close() {
	g.mu.Lock()
	started := g.started
	for _, subs := range g.subs {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	for _, sub := range g.listSubs {
		sub.box.close()
	}
	g.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	<-g.done
	if g.offNote != nil {
		g.offNote()
	}
}

func (g *GormGateway) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
		case <-g.kick:
		}
		if err := g.Sync(ctx); err != nil && ctx.Err() == nil {
			g.log.WithError(err).Warn("gateway: change poll failed")
		}
	}
}

func (g *GormGateway) wake() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Create implements Gateway.
func (g *GormGateway) Create(ctx context.Context, rec models.Conversation) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.StatusActive
	}
	now := g.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1
	if rec.Messages == nil {
		rec.Messages = models.Messages{}
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("gateway: create: %w", err)
	}
	g.changed(ctx, rec.ID, rec.GuideSlug)
	return rec.ID, nil
}

// Get implements Gateway.
func (g *GormGateway) Get(ctx context.Context, id string) (models.Conversation, error) {
	return g.get(g.db.WithContext(ctx), id)
}

func (g *GormGateway) get(tx *gorm.DB, id string) (models.Conversation, error) {
	var rec models.Conversation
	err := tx.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("gateway: get %s: %w", id, err)
	}
	return rec, nil
}

// Subscribe implements Gateway. The current snapshot is delivered before
// Subscribe returns.
func (g *GormGateway) Subscribe(ctx context.Context, id string, fn func(models.Conversation)) (Unsubscribe, error) {
	rec, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.nextSub++
	key := g.nextSub
	if g.subs[id] == nil {
		g.subs[id] = make(map[int]*recordSub)
	}
	box := newMailbox[models.Conversation]()
	g.subs[id][key] = &recordSub{box: box, version: rec.Version}
	g.mu.Unlock()

	fn(rec)
	box.run(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs[id], key)
			if len(g.subs[id]) == 0 {
				delete(g.subs, id)
			}
			g.mu.Unlock()
			box.close()
		})
	}, nil
}

// AppendMessage implements Gateway.
func (g *GormGateway) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	return g.update(ctx, "append", id, func(_ *gorm.DB, rec models.Conversation) (map[string]any, error) {
		if !acceptMessage(rec.Messages, msg) {
			return nil, nil
		}
		msgs := append(rec.Messages.Clone(), stamp(rec.Messages, msg, g.clock.Now()))
		return map[string]any{"messages": msgs}, nil
	})
}

// SetStatus implements Gateway and records a StatusChange row.
func (g *GormGateway) SetStatus(ctx context.Context, id string, status models.Status, actor, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("gateway: set status %s: invalid status %q", id, status)
	}
	return g.update(ctx, "set status", id, func(tx *gorm.DB, rec models.Conversation) (map[string]any, error) {
		change := models.StatusChange{
			ConversationID: id,
			FromStatus:     rec.Status,
			ToStatus:       status,
			Actor:          actor,
			Reason:         reason,
			CreatedAt:      g.clock.Now(),
		}
		if err := tx.Create(&change).Error; err != nil {
			return nil, err
		}
		return map[string]any{"status": status}, nil
	})
}

// SetViewed implements Gateway.
func (g *GormGateway) SetViewed(ctx context.Context, id string, viewed bool) error {
	return g.update(ctx, "set viewed", id, func(_ *gorm.DB, rec models.Conversation) (map[string]any, error) {
		if rec.ViewedByOperator == viewed {
			return nil, nil
		}
		return map[string]any{"viewed_by_operator": viewed}, nil
	})
}

// update runs change against the latest row inside a transaction and writes
// the result only if the row's version is unchanged. A nil map means there
// is nothing to write.
func (g *GormGateway) update(ctx context.Context, op, id string, change func(tx *gorm.DB, rec models.Conversation) (map[string]any, error)) error {
	var slug string
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		wrote := false
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rec, err := g.get(tx, id)
			if err != nil {
				return err
			}
			slug = rec.GuideSlug
			fields, err := change(tx, rec)
			if err != nil || fields == nil {
				return err
			}
			fields["version"] = rec.Version + 1
			fields["updated_at"] = g.clock.Now()
			res := tx.Model(&models.Conversation{}).
				Where("id = ? AND version = ?", id, rec.Version).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			wrote = true
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("gateway: %s %s: %w", op, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("gateway: %s %s: %w", op, id, err)
		}
		if wrote {
			g.changed(ctx, id, slug)
		}
		return nil
	}
	return fmt.Errorf("gateway: %s %s: gave up after %d conflicting writes", op, id, maxWriteAttempts)
}

// ListByGuide implements Gateway. The current list is delivered before
// ListByGuide returns.
func (g *GormGateway) ListByGuide(ctx context.Context, guideSlug string, fn func([]models.Conversation)) (Unsubscribe, error) {
	list, err := g.list(ctx, guideSlug)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.nextSub++
	key := g.nextSub
	box := newMailbox[[]models.Conversation]()
	g.listSubs[key] = &guideSub{slug: guideSlug, box: box, sig: signature(list)}
	g.mu.Unlock()

	fn(list)
	box.run(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listSubs, key)
			g.mu.Unlock()
			box.close()
		})
	}, nil
}

func (g *GormGateway) list(ctx context.Context, slug string) ([]models.Conversation, error) {
	var recs []models.Conversation
	err := g.db.WithContext(ctx).Where("guide_slug = ?", slug).
		Order("created_at DESC").Order("id DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("gateway: list %s: %w", slug, err)
	}
	return recs, nil
}

// StatusChanges returns the audit trail for id, oldest first.
func (g *GormGateway) StatusChanges(ctx context.Context, id string) ([]models.StatusChange, error) {
	var out []models.StatusChange
	if err := g.db.WithContext(ctx).Where("conversation_id = ?", id).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("gateway: status changes %s: %w", id, err)
	}
	return out, nil
}

// Sync runs one poll pass: every subscriber whose record or list changed
// since its last delivery is handed the new snapshot. Delivery happens on
// the subscriber's goroutine; Sync does not wait for it.
func (g *GormGateway) Sync(ctx context.Context) error {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	g.mu.Lock()
	ids := make([]string, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	slugSet := make(map[string]bool)
	for _, s := range g.listSubs {
		slugSet[s.slug] = true
	}
	g.mu.Unlock()

	if len(ids) > 0 {
		var recs []models.Conversation
		if err := g.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
			return fmt.Errorf("gateway: poll records: %w", err)
		}
		g.mu.Lock()
		for _, rec := range recs {
			for _, k := range sortedKeys(g.subs[rec.ID]) {
				sub := g.subs[rec.ID][k]
				if rec.Version <= sub.version {
					continue
				}
				sub.version = rec.Version
				sub.box.offer(rec.Clone())
			}
		}
		g.mu.Unlock()
	}

	for slug := range slugSet {
		list, err := g.list(ctx, slug)
		if err != nil {
			return err
		}
		sig := signature(list)
		g.mu.Lock()
		for _, k := range sortedKeys(g.listSubs) {
			sub := g.listSubs[k]
			if sub.slug != slug || sub.sig == sig {
				continue
			}
			sub.sig = sig
			sub.box.offer(list)
		}
		g.mu.Unlock()
	}
	return nil
}

func (g *GormGateway) changed(ctx context.Context, id, slug string) {
	g.wake()
	if g.notifier == nil {
		return
	}
	if err := g.notifier.NotifyChange(ctx, id, slug); err != nil {
		g.log.WithError(err).WithField("conversation_id", id).Warn("gateway: change notification failed")
	}
}

func signature(list []models.Conversation) string {
	var b strings.Builder
	for _, rec := range list {
		b.WriteString(rec.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(rec.Version, 10))
		b.WriteByte(',')
	}
	return b.String()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
