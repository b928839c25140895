package mcbp

import (
	"fmt"
	"net"
	"sync"
)

// Origin carries the credentials and the ordered list of bootstrap
// addresses a session walks through. The session calls NextAddress
// until Exhausted reports true, then backs off and calls Restart.
type Origin struct {
	username string
	password string

	mu        sync.Mutex
	addresses []addressPair
	next      int
}

type addressPair struct {
	host    string
	service string
}

// NewOrigin builds an origin from host:port address strings.
func NewOrigin(username, password string, addresses ...string) (*Origin, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("mcbp: no bootstrap addresses provided")
	}
	pairs := make([]addressPair, 0, len(addresses))
	for _, addr := range addresses {
		host, service, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("mcbp: invalid bootstrap address %q: %w", addr, err)
		}
		pairs = append(pairs, addressPair{host: host, service: service})
	}
	return &Origin{username: username, password: password, addresses: pairs}, nil
}

// Username returns the configured username.
func (o *Origin) Username() string {
	return o.username
}

// Password returns the configured password.
func (o *Origin) Password() string {
	return o.password
}

// NextAddress returns the next (host, service) pair and advances the
// cursor. ok is false when the list is exhausted.
func (o *Origin) NextAddress() (host, service string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.next >= len(o.addresses) {
		return "", "", false
	}
	pair := o.addresses[o.next]
	o.next++
	return pair.host, pair.service, true
}

// Exhausted reports whether every address has been handed out since
// the last Restart.
func (o *Origin) Exhausted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next >= len(o.addresses)
}

// Restart rewinds the cursor to the first address.
func (o *Origin) Restart() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next = 0
}
