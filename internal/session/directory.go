package session

import (
	"sort"
	"time"
)

// DiscoveredHost is a host seen during discovery but not necessarily connected.
type DiscoveredHost struct {
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
}

// Directory is the set of discovered hosts, independent of the join state machine.
type Directory struct {
	hosts map[string]DiscoveredHost
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{hosts: make(map[string]DiscoveredHost)}
}

// Found records a host. A host already present keeps its first-seen time.
func (d *Directory) Found(peerID, name string, now time.Time) {
	if existing, ok := d.hosts[peerID]; ok {
		if name != "" {
			existing.Name = name
			d.hosts[peerID] = existing
		}
		return
	}
	d.hosts[peerID] = DiscoveredHost{PeerID: peerID, Name: name, FirstSeen: now}
}

// Lost removes a host.
func (d *Directory) Lost(peerID string) {
	delete(d.hosts, peerID)
}

// Hosts returns the discovered hosts sorted by peer id.
func (d *Directory) Hosts() []DiscoveredHost {
	out := make([]DiscoveredHost, 0, len(d.hosts))
	for _, h := range d.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Clear forgets every host.
func (d *Directory) Clear() {
	d.hosts = make(map[string]DiscoveredHost)
}
