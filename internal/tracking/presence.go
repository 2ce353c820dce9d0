package tracking

import "sync"

// Presence caches the last applied location per resource. Writes are
// last-arrival-wins; claimed sample timestamps are not compared.
type Presence struct {
	mu        sync.RWMutex
	locations map[ResourceKey]LocationSample
}

func NewPresence() *Presence {
	return &Presence{locations: map[ResourceKey]LocationSample{}}
}

func (p *Presence) Get(key ResourceKey) (LocationSample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sample, ok := p.locations[key]
	return sample, ok
}

func (p *Presence) Set(key ResourceKey, sample LocationSample) {
	p.mu.Lock()
	p.locations[key] = sample
	p.mu.Unlock()
}
