package session

import (
	"sort"
	"time"

	"github.com/lessonlab/collabsync/internal/domain"
)

// activeWindow bounds how stale a peer's lastActive may be before the
// peer drops out of active views. The boundary is inclusive: age == 30s
// still counts as active.
const activeWindow = 30 * time.Second

// Snapshot is a caller-visible copy of the aggregate session state.
type Snapshot struct {
	RoomID            string
	Peers             []domain.Peer
	DocumentVersion   int64
	SyncStatus        domain.SyncStatus
	ConnectionQuality domain.ConnectionQuality
	ChatMessages      []domain.ChatMessage
	UnreadCount       int
}

// presenceRegistry holds at most one Peer record per user id. Updates
// mutate in place; removal from active views is a query-time filter.
type presenceRegistry struct {
	peers map[string]*domain.Peer
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{peers: make(map[string]*domain.Peer)}
}

func (r *presenceRegistry) get(userID string) (domain.Peer, bool) {
	p, ok := r.peers[userID]
	if !ok {
		return domain.Peer{}, false
	}
	return *p, true
}

// upsert applies a single-peer delta, creating the peer on first sight.
func (r *presenceRegistry) upsert(u domain.UpdatePayload, now time.Time) domain.Peer {
	p, ok := r.peers[u.UserID]
	if !ok {
		p = &domain.Peer{UserID: u.UserID}
		r.peers[u.UserID] = p
	}
	if u.Cursor != nil {
		p.Cursor = u.Cursor
	}
	if u.Selection != nil {
		p.Selection = u.Selection
	}
	if u.IsTyping != nil {
		p.IsTyping = *u.IsTyping
	}
	p.LastActive = now
	return *p
}

// replace swaps in a full roster and reports the diff against the previous
// set: peers present now but absent before are joined, the inverse are
// left. O(peers) per update, fine at classroom-sized rooms.
func (r *presenceRegistry) replace(roster []domain.Peer, now time.Time) (joined, left []domain.Peer) {
	next := make(map[string]*domain.Peer, len(roster))
	for i := range roster {
		p := roster[i]
		if prev, ok := r.peers[p.UserID]; ok {
			if p.LastActive.IsZero() {
				p.LastActive = prev.LastActive
			}
		} else {
			if p.LastActive.IsZero() {
				p.LastActive = now
			}
			joined = append(joined, p)
		}
		next[p.UserID] = &p
	}
	for id, prev := range r.peers {
		if _, ok := next[id]; !ok {
			left = append(left, *prev)
		}
	}
	r.peers = next
	return joined, left
}

func (r *presenceRegistry) remove(userID string) (domain.Peer, bool) {
	p, ok := r.peers[userID]
	if !ok {
		return domain.Peer{}, false
	}
	delete(r.peers, userID)
	return *p, true
}

// active returns peers whose lastActive age is within the window.
func (r *presenceRegistry) active(now time.Time) []domain.Peer {
	out := make([]domain.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if now.Sub(p.LastActive) <= activeWindow {
			out = append(out, *p)
		}
	}
	sortPeers(out)
	return out
}

func (r *presenceRegistry) all() []domain.Peer {
	out := make([]domain.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sortPeers(out)
	return out
}

func (r *presenceRegistry) clear() {
	r.peers = make(map[string]*domain.Peer)
}

func sortPeers(peers []domain.Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
}

// chatLedger is the ordered append-only message list plus unread counter.
// Order is arrival order of server-confirmed envelopes.
type chatLedger struct {
	messages []domain.ChatMessage
	unread   int
}

func (l *chatLedger) append(msg domain.ChatMessage, countUnread bool) {
	l.messages = append(l.messages, msg)
	if countUnread {
		l.unread++
	}
}

func (l *chatLedger) clearUnread() {
	l.unread = 0
}

func (l *chatLedger) reset() {
	l.messages = nil
	l.unread = 0
}

func (l *chatLedger) snapshot() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}
