package net

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/codec"
	"github.com/ledgeraccounts/accounts/internal/metrics"
)

const memoryBuffer = 64

// MemoryNetwork connects transports living in the same process. Frames are
// still encoded so that values do not share memory across parties.
type MemoryNetwork struct {
	sync.Mutex
	clock   clockwork.Clock
	timeout time.Duration
	codec   *codec.Codec
	nodes   map[key.PartyName]*MemoryTransport
	opened  map[key.PartyName]int
	log     log.Logger
}

// NewMemoryNetwork returns an empty network where Receive gives up after
// timeout on clock.
func NewMemoryNetwork(clock clockwork.Clock, timeout time.Duration, l log.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		clock:   clock,
		timeout: timeout,
		codec:   codec.New(),
		nodes:   make(map[key.PartyName]*MemoryTransport),
		opened:  make(map[key.PartyName]int),
		log:     l.Named("memnet"),
	}
}

// Join attaches a transport for self.
func (m *MemoryNetwork) Join(self key.Party) *MemoryTransport {
	m.Lock()
	defer m.Unlock()
	t := &MemoryTransport{
		network:  m,
		self:     self,
		handlers: make(map[Protocol]Responder),
		log:      m.log.With("party", self.Name),
	}
	m.nodes[self.Name] = t
	return t
}

// Leave detaches the transport of name: it becomes unreachable.
func (m *MemoryNetwork) Leave(name key.PartyName) {
	m.Lock()
	defer m.Unlock()
	delete(m.nodes, name)
}

// Opened returns how many sessions name opened so far.
func (m *MemoryNetwork) Opened(name key.PartyName) int {
	m.Lock()
	defer m.Unlock()
	return m.opened[name]
}

func (m *MemoryNetwork) node(name key.PartyName) (*MemoryTransport, bool) {
	m.Lock()
	defer m.Unlock()
	t, ok := m.nodes[name]
	return t, ok
}

func (m *MemoryNetwork) countOpen(name key.PartyName) {
	m.Lock()
	defer m.Unlock()
	m.opened[name]++
}

// MemoryTransport is the Transport of one party on a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	self     key.Party
	mu       sync.RWMutex
	handlers map[Protocol]Responder
	wg       sync.WaitGroup
	log      log.Logger
}

func (t *MemoryTransport) Handle(protocol Protocol, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[protocol] = r
}

func (t *MemoryTransport) handler(protocol Protocol) (Responder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.handlers[protocol]
	return r, ok
}

func (t *MemoryTransport) Open(ctx context.Context, protocol Protocol, to key.PartyName) (Session, error) {
	fail := func(err error) error {
		metrics.SessionFailures.WithLabelValues(string(protocol)).Inc()
		return &SessionError{Party: to, Protocol: protocol, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(err)
	}
	t.network.countOpen(t.self.Name)
	metrics.SessionsOpened.WithLabelValues(string(protocol)).Inc()

	remote, ok := t.network.node(to)
	if !ok {
		return nil, fail(ErrUnreachable)
	}
	responder, ok := remote.handler(protocol)
	if !ok {
		return nil, fail(ErrNoHandler)
	}

	toRemote, toLocal := make(chan []byte, memoryBuffer), make(chan []byte, memoryBuffer)
	localDone, remoteDone := make(chan struct{}), make(chan struct{})
	local := &memorySession{
		network: t.network, protocol: protocol, counterparty: remote.self,
		in: toLocal, out: toRemote, done: localDone, peerDone: remoteDone,
	}
	other := &memorySession{
		network: t.network, protocol: protocol, counterparty: t.self,
		in: toRemote, out: toLocal, done: remoteDone, peerDone: localDone,
	}

	remote.wg.Add(1)
	go func() {
		defer remote.wg.Done()
		defer other.Close()
		l := remote.log.With("protocol", protocol, "from", t.self.Name)
		if err := responder(log.ToContext(context.Background(), l), other); err != nil {
			l.Warnw("responder failed", "err", err)
		}
	}()
	return local, nil
}

// Wait blocks until every responder started by this transport returned.
func (t *MemoryTransport) Wait() {
	t.wg.Wait()
}

type memorySession struct {
	network      *MemoryNetwork
	protocol     Protocol
	counterparty key.Party
	in           <-chan []byte
	out          chan<- []byte
	done         chan struct{}
	peerDone     <-chan struct{}
	closeOnce    sync.Once
}

func (s *memorySession) Counterparty() key.Party {
	return s.counterparty
}

func (s *memorySession) Protocol() Protocol {
	return s.protocol
}

func (s *memorySession) fail(err error) error {
	metrics.SessionFailures.WithLabelValues(string(s.protocol)).Inc()
	return &SessionError{Party: s.counterparty.Name, Protocol: s.protocol, Err: err}
}

func (s *memorySession) Send(ctx context.Context, v interface{}) error {
	b, err := s.network.codec.Encode(v)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return s.fail(ErrSessionClosed)
	case <-s.peerDone:
		return s.fail(ErrSessionClosed)
	default:
	}
	select {
	case s.out <- b:
		return nil
	case <-s.peerDone:
		return s.fail(ErrSessionClosed)
	case <-ctx.Done():
		return s.fail(ctx.Err())
	}
}

func (s *memorySession) Receive(ctx context.Context, v interface{}) error {
	timer := s.network.clock.NewTimer(s.network.timeout)
	defer timer.Stop()

	var b []byte
	select {
	case b = <-s.in:
	case <-s.peerDone:
		// frames sent before the counterparty closed are still delivered
		select {
		case b = <-s.in:
		default:
			return s.fail(ErrSessionClosed)
		}
	case <-timer.Chan():
		return s.fail(ErrTimeout)
	case <-ctx.Done():
		return s.fail(ctx.Err())
	}
	if err := s.network.codec.Decode(b, v); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *memorySession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
