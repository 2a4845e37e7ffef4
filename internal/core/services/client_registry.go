package services

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
)

// ClientRegistry enumerates the clients of a run and maps the clients
// selected each round onto proxy slots.
type ClientRegistry struct {
	mu         sync.RWMutex
	clients    []models.Client
	numProxies int
}

// NewClientRegistry builds the registry from the partition manifest.
// numLocalClients is the number of proxy slots, or -1 for one slot per
// client.
func NewClientRegistry(manifest []models.ManifestEntry, numLocalClients int) (*ClientRegistry, error) {
	if len(manifest) == 0 {
		return nil, models.NewConfigurationError("partition manifest is empty")
	}
	if numLocalClients == 0 || numLocalClients < -1 {
		return nil, models.NewConfigurationError("num_local_clients must be -1 or positive, got %d", numLocalClients)
	}
	if numLocalClients > len(manifest) {
		return nil, models.NewConfigurationError("num_local_clients (%d) exceeds the %d available clients", numLocalClients, len(manifest))
	}

	seen := make(map[string]bool, len(manifest))
	clients := make([]models.Client, 0, len(manifest))
	for _, entry := range manifest {
		if seen[entry.Key] {
			return nil, models.NewConfigurationError("duplicate client %s in manifest", entry.Key).WithClient(entry.Key)
		}
		if entry.NSamples <= 0 {
			return nil, models.NewConfigurationError("client has %d samples", entry.NSamples).WithClient(entry.Key)
		}
		seen[entry.Key] = true
		clients = append(clients, models.Client{Key: entry.Key, NSamples: entry.NSamples})
	}

	numProxies := numLocalClients
	if numProxies == -1 {
		numProxies = len(clients)
	}

	return &ClientRegistry{clients: clients, numProxies: numProxies}, nil
}

// Clients returns a copy of the clients with the weights of the most recent
// selection.
func (r *ClientRegistry) Clients() []models.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Client(nil), r.clients...)
}

func (r *ClientRegistry) Keys() []string {
	keys := make([]string, len(r.clients))
	for i, c := range r.clients {
		keys[i] = c.Key
	}
	return keys
}

func (r *ClientRegistry) NumProxies() int {
	return r.numProxies
}

func (r *ClientRegistry) ProxyIDs() []int {
	ids := make([]int, r.numProxies)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// FullParticipation reports whether every client trains every round.
func (r *ClientRegistry) FullParticipation() bool {
	return r.numProxies == len(r.clients)
}

// ProxyLabel names a proxy slot in logs and checkpoints.
func (r *ClientRegistry) ProxyLabel(proxyID int) string {
	if r.FullParticipation() && proxyID >= 0 && proxyID < len(r.clients) {
		return r.clients[proxyID].Key
	}
	return fmt.Sprintf("train_%d", proxyID)
}

// Client looks up a client by key.
func (r *ClientRegistry) Client(key string) (models.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.Key == key {
			return c, true
		}
	}
	return models.Client{}, false
}

// MinSamples is the smallest partition size.
func (r *ClientRegistry) MinSamples() int {
	min := r.clients[0].NSamples
	for _, c := range r.clients[1:] {
		if c.NSamples < min {
			min = c.NSamples
		}
	}
	return min
}

// Select picks the clients of one round. Under full participation client i
// is always paired with proxy i; otherwise numProxies clients are drawn
// uniformly without replacement and paired with proxies in draw order.
// Weights are sample-count proportions over the selected set.
func (r *ClientRegistry) Select(rng *rand.Rand) models.Selection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var picked []int
	if r.FullParticipation() {
		picked = make([]int, len(r.clients))
		for i := range picked {
			picked[i] = i
		}
	} else {
		picked = rng.Perm(len(r.clients))[:r.numProxies]
	}

	total := 0
	for _, idx := range picked {
		total += r.clients[idx].NSamples
	}

	for i := range r.clients {
		r.clients[i].Weight = 0
	}

	selection := models.Selection{
		Assignments:  make([]models.Assignment, len(picked)),
		TotalSamples: total,
	}
	for proxyID, idx := range picked {
		c := &r.clients[idx]
		c.Weight = float64(c.NSamples) / float64(total)
		selection.Assignments[proxyID] = models.Assignment{
			Client:   c.Key,
			ProxyID:  proxyID,
			NSamples: c.NSamples,
			Weight:   c.Weight,
		}
	}
	return selection
}
