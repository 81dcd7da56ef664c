// Package identity persists who the visitor is across page reloads: their
// name, contact, the conversation they were last attached to, and how many
// times that identity has been reused automatically.
package identity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/guidepost/internal/kv"
)

const (
	keyName           = "name"
	keyContact        = "contact"
	keyConversationID = "conversation_id"
	keyReentry        = "reentry"
	keyTabValidated   = "validated"
)

// Identity is the visitor's cached session.
type Identity struct {
	Name           string
	Contact        string
	ConversationID string
	ReentryCount   int
}

// Complete reports whether both name and contact are known.
func (i Identity) Complete() bool {
	return i.Name != "" && i.Contact != ""
}

// Opts configures a Store.
type Opts struct {
	// Persistent survives reloads for TTL.
	Persistent kv.Store
	// Tab lives only as long as the browser tab. It holds the marker that
	// tells a reload apart from a fresh load.
	Tab       kv.Store
	VisitorID string
	TTL       time.Duration
	// LoadID names the current page load. The browser generates a new one
	// on every load and reuses it when the socket reconnects.
	LoadID string
	// ReentryCap is the number of automatic reconnects allowed before the
	// identity must be entered again. Zero means the default of 4.
	ReentryCap int
}

// DefaultReentryCap is used when Opts.ReentryCap is not set.
const DefaultReentryCap = 4

// Load tells how the current page load relates to the tab's marker.
type Load int

const (
	// LoadFresh is a tab that has not validated a session yet.
	LoadFresh Load = iota
	// LoadResumed is the same page load reconnecting its socket.
	LoadResumed
	// LoadReload is a new page load in a tab that already validated a
	// session.
	LoadReload
)

func (l Load) String() string {
	switch l {
	case LoadResumed:
		return "resumed"
	case LoadReload:
		return "reload"
	}
	return "fresh"
}

// Store is the SessionIdentityStore for one visitor.
type Store struct {
	persistent kv.Store
	tab        kv.Store
	loadID     string
	ttl        time.Duration
	cap        int
}

// New returns a Store scoped to opts.VisitorID.
func New(opts Opts) (*Store, error) {
	if opts.Persistent == nil {
		return nil, fmt.Errorf("identity: store: persistent store is required")
	}
	if opts.Tab == nil {
		return nil, fmt.Errorf("identity: store: tab store is required")
	}
	if opts.VisitorID == "" {
		return nil, fmt.Errorf("identity: store: visitor id is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.ReentryCap <= 0 {
		opts.ReentryCap = DefaultReentryCap
	}
	return &Store{
		persistent: kv.Prefixed(opts.Persistent, "identity:"+opts.VisitorID),
		tab:        kv.Prefixed(opts.Tab, "tab:"+opts.VisitorID),
		loadID:     opts.LoadID,
		ttl:        opts.TTL,
		cap:        opts.ReentryCap,
	}, nil
}

// ReentryCap returns the configured cap.
func (s *Store) ReentryCap() int { return s.cap }

// Save stores name, contact and conversation id, refreshing their expiry.
// An empty conversationID removes any stored one.
func (s *Store) Save(ctx context.Context, name, contact, conversationID string) error {
	if err := s.persistent.Set(ctx, keyName, name, s.ttl); err != nil {
		return fmt.Errorf("identity: save: %w", err)
	}
	if err := s.persistent.Set(ctx, keyContact, contact, s.ttl); err != nil {
		return fmt.Errorf("identity: save: %w", err)
	}
	if conversationID == "" {
		return s.Invalidate(ctx)
	}
	if err := s.persistent.Set(ctx, keyConversationID, conversationID, s.ttl); err != nil {
		return fmt.Errorf("identity: save: %w", err)
	}
	return nil
}

// SaveConversation stores only the conversation id.
func (s *Store) SaveConversation(ctx context.Context, conversationID string) error {
	if err := s.persistent.Set(ctx, keyConversationID, conversationID, s.ttl); err != nil {
		return fmt.Errorf("identity: save conversation: %w", err)
	}
	return nil
}

// Load returns whatever is cached. Missing values are empty.
func (s *Store) Load(ctx context.Context) (Identity, error) {
	var id Identity
	var err error
	if id.Name, _, err = s.persistent.Get(ctx, keyName); err != nil {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}
	if id.Contact, _, err = s.persistent.Get(ctx, keyContact); err != nil {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}
	if id.ConversationID, _, err = s.persistent.Get(ctx, keyConversationID); err != nil {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}
	if id.ReentryCount, err = s.reentry(ctx); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Invalidate clears the conversation id and keeps name and contact for
// re-use.
func (s *Store) Invalidate(ctx context.Context) error {
	if err := s.persistent.Delete(ctx, keyConversationID); err != nil {
		return fmt.Errorf("identity: invalidate: %w", err)
	}
	return nil
}

// InvalidateAll clears everything, forcing the identity form on the next
// handoff.
func (s *Store) InvalidateAll(ctx context.Context) error {
	if err := s.persistent.Delete(ctx, keyName, keyContact, keyConversationID, keyReentry); err != nil {
		return fmt.Errorf("identity: invalidate all: %w", err)
	}
	return nil
}

// IncrementReentry records one automatic reconnect and returns the new count.
func (s *Store) IncrementReentry(ctx context.Context) (int, error) {
	n, err := s.reentry(ctx)
	if err != nil {
		return 0, err
	}
	n++
	if err := s.persistent.Set(ctx, keyReentry, strconv.Itoa(n), s.ttl); err != nil {
		return 0, fmt.Errorf("identity: increment reentry: %w", err)
	}
	return n, nil
}

// ResetReentry sets the counter back to zero.
func (s *Store) ResetReentry(ctx context.Context) error {
	if err := s.persistent.Delete(ctx, keyReentry); err != nil {
		return fmt.Errorf("identity: reset reentry: %w", err)
	}
	return nil
}

// MarkTabValidated sets the same-tab marker to the current load id.
func (s *Store) MarkTabValidated(ctx context.Context) error {
	v := s.loadID
	if v == "" {
		v = "1"
	}
	if err := s.tab.Set(ctx, keyTabValidated, v, 0); err != nil {
		return fmt.Errorf("identity: mark tab: %w", err)
	}
	return nil
}

// TabValidated reports whether this tab already validated a session in
// any page load.
func (s *Store) TabValidated(ctx context.Context) (bool, error) {
	_, ok, err := s.tab.Get(ctx, keyTabValidated)
	if err != nil {
		return false, fmt.Errorf("identity: tab marker: %w", err)
	}
	return ok, nil
}

// TabLoad classifies the current page load against the tab marker. A
// marker written by another load means the page was reloaded; one written
// by this load means the socket dropped and came back.
func (s *Store) TabLoad(ctx context.Context) (Load, error) {
	v, ok, err := s.tab.Get(ctx, keyTabValidated)
	if err != nil {
		return LoadFresh, fmt.Errorf("identity: tab marker: %w", err)
	}
	switch {
	case !ok:
		return LoadFresh, nil
	case s.loadID != "" && v == s.loadID:
		return LoadResumed, nil
	}
	return LoadReload, nil
}

func (s *Store) reentry(ctx context.Context) (int, error) {
	v, ok, err := s.persistent.Get(ctx, keyReentry)
	if err != nil {
		return 0, fmt.Errorf("identity: reentry: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Corrupt counters count as zero.
		return 0, nil
	}
	return n, nil
}
