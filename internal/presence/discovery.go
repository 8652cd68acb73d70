package presence

// StartDiscovery marks id as discovering and introduces it to every other
// discovering client it has not met yet, in registration order. Repeating the
// call introduces nobody twice.
func (r *Registry) StartDiscovery(id string) int {
	c, ok := r.clients[id]
	if !ok {
		return 0
	}
	c.IsDiscovering = true
	mine := r.group(id)

	introduced := 0
	for _, otherID := range r.order {
		if otherID == id {
			continue
		}
		other := r.clients[otherID]
		if !other.IsDiscovering {
			continue
		}
		if _, known := mine[otherID]; known {
			continue
		}

		r.notify.PeerDiscovered(id, other.peer())
		r.notify.PeerDiscovered(otherID, c.peer())
		mine[otherID] = struct{}{}
		r.group(otherID)[id] = struct{}{}
		introduced++
	}
	r.log.Debug("discovery started", "client_id", id, "introduced", introduced)
	return introduced
}

// StopDiscovery withdraws id from discovery. Every other discovering client
// forgets it and receives peerLost; id itself is told nothing. A client that
// is not discovering is left alone.
func (r *Registry) StopDiscovery(id string) {
	c, ok := r.clients[id]
	if !ok || !c.IsDiscovering {
		return
	}
	c.IsDiscovering = false
	delete(r.groups, id)
	for _, set := range r.groups {
		delete(set, id)
	}
	r.announceLost(id)
	r.log.Debug("discovery stopped", "client_id", id)
}

// Introduced reports whether a and b have been introduced to each other.
func (r *Registry) Introduced(a, b string) bool {
	_, ok := r.groups[a][b]
	return ok
}

// IntroducedTo lists the peers id has been introduced to, in registration
// order.
func (r *Registry) IntroducedTo(id string) []string {
	set := r.groups[id]
	var out []string
	for _, other := range r.order {
		if _, ok := set[other]; ok {
			out = append(out, other)
		}
	}
	return out
}

// onNameChanged broadcasts to all discovering clients, introduced or not.
func (r *Registry) onNameChanged(c *Client) {
	p := c.peer()
	for _, otherID := range r.order {
		if otherID != c.ID && r.clients[otherID].IsDiscovering {
			r.notify.PeerUpdated(otherID, p)
		}
	}
}

func (r *Registry) announceLost(id string) {
	for _, otherID := range r.order {
		if otherID != id && r.clients[otherID].IsDiscovering {
			r.notify.PeerLost(otherID, id)
		}
	}
}

func (r *Registry) group(id string) map[string]struct{} {
	set, ok := r.groups[id]
	if !ok {
		set = make(map[string]struct{})
		r.groups[id] = set
	}
	return set
}
