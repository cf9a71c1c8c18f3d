package engine

// channelPool tracks every live channel by id and keeps ready channels
// indexed by their service;topic key for reuse. All access happens on
// the engine goroutine.
type channelPool struct {
	active map[string]*Channel   // id -> channel
	idle   map[string][]*Channel // service;topic -> ready channels
}

func newChannelPool() *channelPool {
	return &channelPool{
		active: make(map[string]*Channel),
		idle:   make(map[string][]*Channel),
	}
}

// register adds a newly connected channel to the active set.
func (p *channelPool) register(c *Channel) {
	p.active[c.id] = c
}

// lookup finds the channel a frame is addressed to.
func (p *channelPool) lookup(id string) (*Channel, bool) {
	c, ok := p.active[id]
	return c, ok
}

// acquire returns an idle channel for the key, or nil when none is
// available and the caller must open a new one.
func (p *channelPool) acquire(key string) *Channel {
	idle := p.idle[key]
	if len(idle) == 0 {
		return nil
	}
	c := idle[len(idle)-1]
	p.idle[key] = idle[:len(idle)-1]
	return c
}

// release returns a ready channel to the idle list for its key.
func (p *channelPool) release(c *Channel) {
	p.idle[c.key] = append(p.idle[c.key], c)
}

// drop removes a channel from the pool entirely.
func (p *channelPool) drop(c *Channel) {
	delete(p.active, c.id)
	idle := p.idle[c.key]
	for i, other := range idle {
		if other == c {
			p.idle[c.key] = append(idle[:i], idle[i+1:]...)
			break
		}
	}
}

// reset discards every channel; used when the upstream socket drops and
// all session state becomes invalid.
func (p *channelPool) reset() {
	p.active = make(map[string]*Channel)
	p.idle = make(map[string][]*Channel)
}

// size returns the number of live channels.
func (p *channelPool) size() int {
	return len(p.active)
}
