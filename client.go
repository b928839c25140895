package mcbp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pior/mcbp/internal"
	"github.com/pior/mcbp/protocol"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

// Item is a document stored in the bucket.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	TTL   time.Duration
	Cas   uint64
	Found bool // indicates whether the key was found
}

// ClientConfig holds configuration for the key-value client.
type ClientConfig struct {
	// ClientID identifies this client to the cluster.
	ClientID string

	// Bucket is the bucket every session selects.
	Bucket string

	// Timeout bounds a single operation when the context carries no
	// deadline. Zero means 2.5 seconds.
	Timeout time.Duration

	// Session tunes the per-node sessions.
	Session SessionConfig

	// NewCircuitBreaker creates a circuit breaker for a node, called
	// once per node address. If nil, no circuit breaker is used.
	NewCircuitBreaker func(nodeAddr string) CircuitBreaker

	Logger *zap.Logger
}

const defaultOperationTimeout = 2500 * time.Millisecond

// clientNode pairs a session with its node address and breaker.
type clientNode struct {
	addr    string
	session *Session
	breaker CircuitBreaker // nil if not configured
}

// Client is a bucket-scoped key-value API over one session per data
// node. Keys are mapped onto the nodes of the current configuration
// with jump consistent hashing.
type Client struct {
	origin  *Origin
	config  ClientConfig
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	seed  *clientNode
	nodes map[string]*clientNode
	done  bool

	collectionFetch singleflight.Group
	stats           *clientStatsCollector
}

// NewClient creates a client and bootstraps the seed session against
// the first reachable origin node.
func NewClient(origin *Origin, config ClientConfig) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	c := &Client{
		origin:  origin,
		config:  config,
		timeout: timeout,
		logger:  logger,
		nodes:   make(map[string]*clientNode),
		stats:   newClientStatsCollector(),
	}

	session, err := c.bootstrapSession(origin)
	if err != nil {
		return nil, err
	}
	seed := &clientNode{addr: session.Endpoint(), session: session}
	if config.NewCircuitBreaker != nil {
		seed.breaker = config.NewCircuitBreaker(seed.addr)
	}
	c.seed = seed
	c.nodes[seed.addr] = seed
	// The configuration names the seed by its data-service address;
	// alias it so key routing does not open a second session to the
	// node we are already talking to.
	if config := session.Config(); config != nil {
		if i := config.IndexForThisNode(); i >= 0 {
			if addr := config.Nodes[i].KVAddress(); addr != "" {
				c.nodes[addr] = seed
			}
		}
	}
	return c, nil
}

// Close stops every session. In-flight operations fail with a
// request-canceled error.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	for _, node := range c.nodes {
		node.session.Stop()
	}
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

func (c *Client) sessionConfig() SessionConfig {
	sc := c.config.Session
	sc.ClientID = c.config.ClientID
	sc.Bucket = c.config.Bucket
	if sc.Logger == nil {
		sc.Logger = c.logger
	}
	return sc
}

func (c *Client) bootstrapSession(origin *Origin) (*Session, error) {
	session := NewSession(origin, c.sessionConfig())
	errCh := make(chan error, 1)
	session.Bootstrap(func(err error, _ *ClusterConfig) {
		errCh <- err
	})
	if err := <-errCh; err != nil {
		session.Stop()
		return nil, fmt.Errorf("mcbp: bootstrap failed: %w", err)
	}
	return session, nil
}

// nodeForKey maps the key onto a data node of the current
// configuration, creating its session lazily.
func (c *Client) nodeForKey(key string) (*clientNode, error) {
	c.mu.RLock()
	if c.done {
		c.mu.RUnlock()
		return nil, protocol.ErrRequestCanceled
	}
	seed := c.seed
	c.mu.RUnlock()

	config := seed.session.Config()
	if config == nil {
		return seed, nil
	}
	addrs := config.KVAddresses()
	if len(addrs) == 0 {
		return seed, nil
	}
	addr := addrs[internal.SelectNode(key, len(addrs))]
	return c.getOrCreateNode(addr)
}

func (c *Client) getOrCreateNode(addr string) (*clientNode, error) {
	// Fast path: read lock
	c.mu.RLock()
	node, exists := c.nodes[addr]
	c.mu.RUnlock()
	if exists {
		return node, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, protocol.ErrRequestCanceled
	}
	// Double-check after acquiring write lock
	if node, exists := c.nodes[addr]; exists {
		return node, nil
	}

	origin, err := NewOrigin(c.origin.Username(), c.origin.Password(), addr)
	if err != nil {
		return nil, err
	}
	session, err := c.bootstrapSession(origin)
	if err != nil {
		return nil, err
	}
	node = &clientNode{addr: addr, session: session}
	if c.config.NewCircuitBreaker != nil {
		node.breaker = c.config.NewCircuitBreaker(addr)
	}
	c.nodes[addr] = node
	return node, nil
}

// execute dispatches one request frame on the node's session and waits
// for its continuation, honoring the context and the client timeout.
func (c *Client) execute(ctx context.Context, node *clientNode, frame *protocol.Frame) (*protocol.Frame, error) {
	do := func() (*protocol.Frame, error) {
		return c.roundTrip(ctx, node.session, frame)
	}
	if node.breaker != nil {
		return node.breaker.Execute(do)
	}
	return do()
}

type opResult struct {
	frame *protocol.Frame
	err   error
}

func (c *Client) roundTrip(ctx context.Context, session *Session, frame *protocol.Frame) (*protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame.Opaque = session.NextOpaque()
	resultCh := make(chan opResult, 1)
	session.WriteAndSubscribe(frame.Opaque, frame.Bytes(), func(err error, resp *protocol.Frame) {
		resultCh <- opResult{frame: resp, err: err}
	})

	var timeoutCh <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case res := <-resultCh:
		return res.frame, res.err
	case <-ctx.Done():
		session.Cancel(frame.Opaque, ctx.Err())
	case <-timeoutCh:
		session.Cancel(frame.Opaque, protocol.ErrUnambiguousTimeout)
	}
	// The continuation fires exactly once: either Cancel reached it, or
	// the response won the race.
	res := <-resultCh
	return res.frame, res.err
}

func (c *Client) executeForKey(ctx context.Context, key string, frame *protocol.Frame) (*protocol.Frame, error) {
	node, err := c.nodeForKey(key)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, node, frame)
}

// Get retrieves a single document.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, protocol.NewGetRequest([]byte(key), 0), key)
}

// GetAndTouch retrieves a document and refreshes its expiry.
func (c *Client) GetAndTouch(ctx context.Context, key string, ttl time.Duration) (Item, error) {
	return c.get(ctx, protocol.NewGetAndTouchRequest([]byte(key), ttlToExpiry(ttl), 0), key)
}

// GetAndLock retrieves a document and write-locks it for lockTime.
// The returned Cas unlocks it.
func (c *Client) GetAndLock(ctx context.Context, key string, lockTime time.Duration) (Item, error) {
	return c.get(ctx, protocol.NewGetAndLockRequest([]byte(key), uint32(lockTime/time.Second), 0), key)
}

func (c *Client) get(ctx context.Context, frame *protocol.Frame, key string) (Item, error) {
	resp, err := c.executeForKey(ctx, key, frame)
	if err != nil {
		if errors.Is(err, protocol.ErrDocumentNotFound) {
			c.stats.recordGet(false)
			return Item{Key: key, Found: false}, nil
		}
		c.stats.recordError()
		return Item{}, err
	}
	result, err := protocol.ParseGetResponse(resp)
	if err != nil {
		c.stats.recordError()
		return Item{}, err
	}
	c.stats.recordGet(true)
	return Item{
		Key:   key,
		Value: result.Value,
		Flags: result.Flags,
		Cas:   result.Cas,
		Found: true,
	}, nil
}

// Touch refreshes the expiry of a document.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.executeForKey(ctx, key, protocol.NewTouchRequest([]byte(key), ttlToExpiry(ttl), 0))
	if err != nil {
		c.stats.recordError()
	}
	return err
}

// Unlock releases the write lock taken by GetAndLock.
func (c *Client) Unlock(ctx context.Context, key string, cas uint64) error {
	_, err := c.executeForKey(ctx, key, protocol.NewUnlockRequest([]byte(key), cas, 0))
	if err != nil {
		c.stats.recordError()
	}
	return err
}

// Upsert stores a document regardless of whether it exists.
func (c *Client) Upsert(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, protocol.OpUpsert, item)
}

// Insert stores a document only when the key does not exist yet.
func (c *Client) Insert(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, protocol.OpInsert, item)
}

// Replace stores a document only when the key already exists. A
// non-zero Cas on the item makes the replace conditional.
func (c *Client) Replace(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, protocol.OpReplace, item)
}

func (c *Client) store(ctx context.Context, opcode protocol.ClientOpcode, item Item) (uint64, error) {
	frame := protocol.NewStoreRequest(opcode, []byte(item.Key), item.Value,
		item.Flags, ttlToExpiry(item.TTL), item.Cas, 0)
	resp, err := c.executeForKey(ctx, item.Key, frame)
	if err != nil {
		c.stats.recordError()
		return 0, err
	}
	c.stats.recordStore()
	return resp.Cas, nil
}

// Remove deletes a document. A non-zero cas makes the remove
// conditional.
func (c *Client) Remove(ctx context.Context, key string, cas uint64) error {
	_, err := c.executeForKey(ctx, key, protocol.NewRemoveRequest([]byte(key), cas, 0))
	if err != nil {
		c.stats.recordError()
		return err
	}
	c.stats.recordRemove()
	return nil
}

// Increment adds delta to a counter document, creating it with the
// initial value when absent.
func (c *Client) Increment(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, uint64, error) {
	return c.counter(ctx, protocol.OpIncrement, key, delta, initial, ttl)
}

// Decrement subtracts delta from a counter document, creating it with
// the initial value when absent. Counters never go below zero.
func (c *Client) Decrement(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, uint64, error) {
	return c.counter(ctx, protocol.OpDecrement, key, delta, initial, ttl)
}

func (c *Client) counter(ctx context.Context, opcode protocol.ClientOpcode, key string, delta, initial uint64, ttl time.Duration) (uint64, uint64, error) {
	frame := protocol.NewCounterRequest(opcode, []byte(key), delta, initial, ttlToExpiry(ttl), 0)
	resp, err := c.executeForKey(ctx, key, frame)
	if err != nil {
		c.stats.recordError()
		return 0, 0, err
	}
	value, err := protocol.ParseCounterResponse(resp)
	if err != nil {
		c.stats.recordError()
		return 0, 0, err
	}
	c.stats.recordCounter()
	return value, resp.Cas, nil
}

// Observe reports the persistence state of a key on its node.
func (c *Client) Observe(ctx context.Context, key string) (protocol.ObserveResult, error) {
	resp, err := c.executeForKey(ctx, key, protocol.NewObserveRequest([]byte(key), 0))
	if err != nil {
		c.stats.recordError()
		return protocol.ObserveResult{}, err
	}
	return protocol.ParseObserveResponse(resp)
}

// LookupIn reads multiple paths of one document in a single frame.
func (c *Client) LookupIn(ctx context.Context, key string, docFlags uint8, specs []protocol.LookupInSpec) ([]protocol.SubdocField, error) {
	frame := protocol.NewLookupInRequest([]byte(key), docFlags, specs, 0)
	resp, err := c.executeForKey(ctx, key, frame)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	fields, err := protocol.ParseLookupInResponse(resp)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	c.stats.recordLookup()
	return fields, nil
}

// MutateIn applies multiple path-level mutations to one document
// atomically. The per-path outcomes are in the returned fields; a
// multi-path failure surfaces there, not as an error.
func (c *Client) MutateIn(ctx context.Context, key string, docFlags uint8, specs []protocol.MutateInSpec, cas uint64) ([]protocol.SubdocField, uint64, error) {
	frame := protocol.NewMutateInRequest([]byte(key), docFlags, specs, cas, 0)
	resp, err := c.executeForKey(ctx, key, frame)
	if err != nil {
		c.stats.recordError()
		return nil, 0, err
	}
	fields, err := protocol.ParseMutateInResponse(resp)
	if err != nil {
		c.stats.recordError()
		return nil, 0, err
	}
	c.stats.recordMutation()
	return fields, resp.Cas, nil
}

// CollectionID resolves a fully-qualified "scope.collection" path to
// its numeric id, consulting the seed session's cache first. Concurrent
// resolutions of the same path are collapsed into one fetch.
func (c *Client) CollectionID(ctx context.Context, path string) (uint32, error) {
	c.mu.RLock()
	seed := c.seed
	done := c.done
	c.mu.RUnlock()
	if done {
		return 0, protocol.ErrRequestCanceled
	}
	if id, ok := seed.session.GetCollectionID(path); ok {
		return id, nil
	}
	id, err, _ := c.collectionFetch.Do(path, func() (any, error) {
		resp, err := c.execute(ctx, seed, protocol.NewGetCollectionIDRequest(path))
		if err != nil {
			return uint32(0), err
		}
		_, collectionID, err := protocol.ParseGetCollectionIDResponse(resp)
		if err != nil {
			return uint32(0), err
		}
		seed.session.UpdateCollectionID(path, collectionID)
		return collectionID, nil
	})
	if err != nil {
		c.stats.recordError()
		return 0, err
	}
	return id.(uint32), nil
}

func ttlToExpiry(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return NoTTL
	}
	return uint32(ttl / time.Second)
}
