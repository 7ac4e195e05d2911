package storage

import (
	"encoding/json"
	"time"
)

// CachedPeer is the persistent record of a remote peer's last known state.
// It is written whenever a presence pulse is received and never cleared
// just because the peer goes offline — only the originator can change it.
type CachedPeer struct {
	PeerID        string
	Name          string
	Email         string
	VideoDisabled bool
	Addrs         []string
	LastSeen      time.Time
}

// UpsertCachedPeer stores or fully replaces the cached state for a peer.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	addrs, _ := json.Marshal(p.Addrs)
	vd := 0
	if p.VideoDisabled {
		vd = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache
			(peer_id, name, email, video_disabled, addrs, last_seen)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			name           = excluded.name,
			email          = excluded.email,
			video_disabled = excluded.video_disabled,
			addrs          = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen      = CURRENT_TIMESTAMP`,
		p.PeerID, p.Name, p.Email, vd, string(addrs),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var vd int
	var addrsJSON string
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, name, email, video_disabled, addrs, last_seen
		FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Name, &p.Email, &vd, &addrsJSON, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	p.VideoDisabled = vd != 0
	json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
	return p, true
}

// ListCachedPeers returns all cached peers.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, name, email, video_disabled, addrs, last_seen
		FROM _peer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var vd int
		var addrsJSON, lastSeen string
		if err := rows.Scan(&p.PeerID, &p.Name, &p.Email, &vd, &addrsJSON, &lastSeen); err != nil {
			return nil, err
		}
		p.VideoDisabled = vd != 0
		json.Unmarshal([]byte(addrsJSON), &p.Addrs)
		p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer removes a peer from the cache entirely. Used when a
// peer ages past the offline grace period, so it does not reappear in
// the roster on the next restart.
func (d *DB) DeleteCachedPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_cache WHERE peer_id = ?`, peerID)
	return err
}
