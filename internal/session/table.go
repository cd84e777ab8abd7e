package session

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/samber/oops"
)

// DefaultMaxSessions is the default number of simultaneous connections.
const DefaultMaxSessions = 4

// TableConfig configures a Table.
type TableConfig struct {
	// Capacity is the number of slots (0 uses DefaultMaxSessions).
	Capacity int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Table is a fixed-capacity registry of sessions keyed by connection ID.
//
// A nil slot is empty. Lookups scan the slots linearly; capacity is a
// single-digit number of peers.
type Table struct {
	mu    sync.Mutex
	slots []*Session
	now   func() time.Time
	log   logging.LeveledLogger
}

// NewTable creates a session table.
func NewTable(config TableConfig) *Table {
	if config.Capacity <= 0 {
		config.Capacity = DefaultMaxSessions
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Table{
		slots: make([]*Session, config.Capacity),
		now:   config.Now,
		log:   config.LoggerFactory.NewLogger("session"),
	}
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Find returns the session for id, or nil.
//
// The returned pointer must only be mutated from the transport event
// context; use Update when other goroutines may be reading.
func (t *Table) Find(id ConnID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, s := t.findLocked(id)
	return s
}

// FindOrCreate returns the session for id, creating it in the first free slot
// if it does not exist. It returns ErrTableFull when no slot is free; existing
// sessions are never evicted.
func (t *Table) FindOrCreate(id ConnID) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.findOrCreateLocked(id)
}

// Update runs fn on the session for id while holding the table lock. When
// create is true a missing session is created first. fn must not block.
func (t *Table) Update(id ConnID, create bool, fn func(*Session) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		s   *Session
		err error
	)
	if create {
		s, err = t.findOrCreateLocked(id)
		if err != nil {
			return err
		}
	} else {
		_, s = t.findLocked(id)
		if s == nil {
			return oops.In("session").With("conn_id", id).Wrapf(ErrNotFound, "lookup")
		}
	}
	return fn(s)
}

// Release clears the slot held by id. It reports whether a session was
// removed; releasing an unknown id is a no-op.
func (t *Table) Release(id ConnID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, s := t.findLocked(id)
	if s == nil {
		return false
	}
	// scrub key material before dropping the record
	*s = Session{}
	t.slots[i] = nil
	t.log.Debugf("conn_id=%d released from slot %d", id, i)
	return true
}

// Snapshot returns copies of every live session, in slot order.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Info
	for i, s := range t.slots {
		if s != nil {
			out = append(out, s.info(i))
		}
	}
	return out
}

// Dump logs every slot. Key material is only written at trace level.
func (t *Table) Dump() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s == nil {
			t.log.Infof("%d: (empty)", i)
			continue
		}
		t.log.Infof("%d: conn_id=%d, state=%s, recon_key=%t, notify=%t",
			i, s.ConnID, s.State, s.HasReconnectKey, s.NotificationsEnabled)
		t.log.Infof("timestamps: hs=%s, cs=%s, ce=%s, rc=%s",
			stamp(s.HandshakeStart), stamp(s.ConnectedAt), stamp(s.DisconnectedAt), stamp(s.ReconnectedAt))
		t.log.Tracef("keys: step_nonce=%s challenge=%s main_nonce=%s outer_nonce=%s session_key=%s reconnect=%s",
			hex.EncodeToString(s.StepNonce[:]),
			hex.EncodeToString(s.Challenge[:]),
			hex.EncodeToString(s.MainNonce[:]),
			hex.EncodeToString(s.OuterNonce[:]),
			hex.EncodeToString(s.SessionKey[:]),
			hex.EncodeToString(s.ReconnectChallenge[:]))
	}
}

func (t *Table) findLocked(id ConnID) (int, *Session) {
	for i, s := range t.slots {
		if s != nil && s.ConnID == id {
			return i, s
		}
	}
	return -1, nil
}

func (t *Table) findOrCreateLocked(id ConnID) (*Session, error) {
	if _, s := t.findLocked(id); s != nil {
		return s, nil
	}
	for i, s := range t.slots {
		if s != nil {
			continue
		}
		s = &Session{
			ConnID:         id,
			State:          StateFreshStart,
			HandshakeStart: t.now(),
		}
		t.slots[i] = s
		t.log.Debugf("conn_id=%d created in slot %d", id, i)
		return s, nil
	}
	return nil, oops.In("session").With("conn_id", id).With("capacity", len(t.slots)).Wrapf(ErrTableFull, "create")
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Format("15:04:05.000")
}
