package net

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/codec"
	"github.com/ledgeraccounts/accounts/internal/metrics"
)

const grpcDefaultIPNetwork = "tcp"

// sessionServer is the handler type of the session service.
type sessionServer interface {
	OpenSession(stream grpc.ServerStream) error
}

func openSessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionServer).OpenSession(stream)
}

var sessionsServiceDesc = grpc.ServiceDesc{
	ServiceName: "accounts.Sessions",
	HandlerType: (*sessionServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Open",
		Handler:       openSessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "accounts/sessions",
}

const openSessionMethod = "/accounts.Sessions/Open"

// Hello is the first frame of every session. It is signed with the identity
// key of From so the listener knows who opens the session.
type Hello struct {
	Protocol  Protocol
	From      key.PartyName
	To        key.PartyName
	Nonce     []byte
	Signature []byte
}

func (h *Hello) message() ([]byte, error) {
	return helloCodec.Encode(struct {
		Domain   string
		Protocol Protocol
		From     key.PartyName
		To       key.PartyName
		Nonce    []byte
	}{"accounts/hello/v1", h.Protocol, h.From, h.To, h.Nonce})
}

// Welcome answers a Hello.
type Welcome struct {
	Accepted bool
	Reason   string
}

var helloCodec = codec.New()

// GRPCTransport runs sessions as bidirectional gRPC streams between nodes.
type GRPCTransport struct {
	sync.RWMutex
	node     *key.Node
	dir      *Directory
	timeout  time.Duration
	clock    clockwork.Clock
	wire     codec.Wire
	handlers map[Protocol]Responder
	conns    map[string]*grpc.ClientConn
	opts     []grpc.DialOption
	certPath string
	keyPath  string
	certs    *CertManager
	server   *grpc.Server
	lis      net.Listener
	wg       sync.WaitGroup
	log      log.Logger
}

// NewGRPCTransport returns a transport for node. Peers are found in dir and
// Receive gives up after timeout.
func NewGRPCTransport(node *key.Node, dir *Directory, timeout time.Duration, l log.Logger, opts ...grpc.DialOption) *GRPCTransport {
	t := &GRPCTransport{
		node:     node,
		dir:      dir,
		timeout:  timeout,
		clock:    clockwork.NewRealClock(),
		wire:     codec.Wire{Codec: codec.New()},
		handlers: make(map[Protocol]Responder),
		conns:    make(map[string]*grpc.ClientConn),
		log:      l.Named("transport"),
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return proxy.Dial(ctx, grpcDefaultIPNetwork, addr)
	})
	t.opts = append([]grpc.DialOption{dialer}, opts...)
	return t
}

// EnableTLS makes the listener serve the certificate at certPath and the
// client side verify peers against certs. It must be called before Listen.
func (t *GRPCTransport) EnableTLS(certPath, keyPath string, certs *CertManager) {
	t.Lock()
	defer t.Unlock()
	t.certPath, t.keyPath, t.certs = certPath, keyPath, certs
}

func (t *GRPCTransport) Handle(protocol Protocol, r Responder) {
	t.Lock()
	defer t.Unlock()
	t.handlers[protocol] = r
}

func (t *GRPCTransport) handler(protocol Protocol) (Responder, bool) {
	t.RLock()
	defer t.RUnlock()
	r, ok := t.handlers[protocol]
	return r, ok
}

// Listen binds the session listener on addr and serves in the background.
func (t *GRPCTransport) Listen(addr string) error {
	lis, err := net.Listen(grpcDefaultIPNetwork, addr)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(t.wire),
		grpc.StreamInterceptor(
			grpcmiddleware.ChainStreamServer(
				grpcprometheus.StreamServerInterceptor,
				grpcrecovery.StreamServerInterceptor(),
			),
		),
	}
	t.RLock()
	certPath, keyPath := t.certPath, t.keyPath
	t.RUnlock()
	if certPath != "" {
		creds, err := credentials.NewServerTLSFromFile(certPath, keyPath)
		if err != nil {
			lis.Close()
			return fmt.Errorf("session listener tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	server := grpc.NewServer(opts...)
	server.RegisterService(&sessionsServiceDesc, t)
	grpcprometheus.Register(server)

	t.Lock()
	t.server, t.lis = server, lis
	t.Unlock()

	go func() {
		if err := server.Serve(lis); err != nil {
			t.log.Debugw("session listener stopped", "err", err)
		}
	}()
	t.log.Infow("session listener started", "addr", lis.Addr().String(), "tls", certPath != "")
	return nil
}

// Addr is the bound address of the listener.
func (t *GRPCTransport) Addr() string {
	t.RLock()
	defer t.RUnlock()
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

// Stop closes the listener and every client connection.
func (t *GRPCTransport) Stop() {
	t.Lock()
	server := t.server
	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	t.Unlock()

	if server != nil {
		server.Stop()
	}
	for addr, c := range conns {
		if err := c.Close(); err != nil {
			t.log.Debugw("closing client connection", "to", addr, "err", err)
		}
	}
	metrics.OutgoingConnections.Set(0)
	t.wg.Wait()
}

func (t *GRPCTransport) conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	t.Lock()
	defer t.Unlock()

	c, ok := t.conns[addr]
	if ok && c.GetState() == connectivity.Shutdown {
		ok = false
		go c.Close()
		delete(t.conns, addr)
		t.log.Warnw("grpc conn in Shutdown state", "to", addr)
	}
	if ok {
		return c, nil
	}

	creds := insecure.NewCredentials()
	if t.certs != nil {
		creds = credentials.NewClientTLSFromCert(t.certs.Pool(), "")
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(t.wire)),
		grpc.WithStreamInterceptor(grpcprometheus.StreamClientInterceptor),
	}, t.opts...)
	c, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		t.log.Errorw("error initiating a new grpc conn", "to", addr, "err", err)
		metrics.DialFailures.WithLabelValues(addr).Inc()
		return nil, err
	}
	t.conns[addr] = c
	metrics.OutgoingConnections.Set(float64(len(t.conns)))
	return c, nil
}

func (t *GRPCTransport) Open(ctx context.Context, protocol Protocol, to key.PartyName) (Session, error) {
	fail := func(err error) error {
		metrics.SessionFailures.WithLabelValues(string(protocol)).Inc()
		return &SessionError{Party: to, Protocol: protocol, Err: err}
	}
	metrics.SessionsOpened.WithLabelValues(string(protocol)).Inc()

	peer, ok := t.dir.Lookup(to)
	if !ok || peer.Address == "" {
		return nil, fail(ErrUnreachable)
	}
	c, err := t.conn(ctx, peer.Address)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrUnreachable, err))
	}

	hello := &Hello{Protocol: protocol, From: t.node.Public.Name, To: to, Nonce: make([]byte, 16)}
	if _, err := rand.Read(hello.Nonce); err != nil {
		return nil, fail(err)
	}
	msg, err := hello.message()
	if err != nil {
		return nil, fail(err)
	}
	if hello.Signature, err = t.node.Pair.Sign(msg); err != nil {
		return nil, fail(err)
	}

	// the stream lives as long as the session, not as long as ctx
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.NewStream(streamCtx, &sessionsServiceDesc.Streams[0], openSessionMethod)
	if err != nil {
		cancel()
		return nil, fail(fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	s := &grpcSession{
		stream:       stream,
		cancel:       cancel,
		protocol:     protocol,
		counterparty: peer.Party,
		timeout:      t.timeout,
		clock:        t.clock,
	}
	if err := s.Send(ctx, hello); err != nil {
		s.Close()
		return nil, err
	}
	var welcome Welcome
	if err := s.Receive(ctx, &welcome); err != nil {
		s.Close()
		return nil, err
	}
	if !welcome.Accepted {
		s.Close()
		return nil, fail(fmt.Errorf("%w: %s", ErrRejected, welcome.Reason))
	}
	return s, nil
}

// OpenSession serves one incoming session stream.
func (t *GRPCTransport) OpenSession(stream grpc.ServerStream) error {
	t.wg.Add(1)
	defer t.wg.Done()

	var hello Hello
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	l := t.log.With("protocol", hello.Protocol, "from", hello.From)
	peer, responder, err := t.admit(&hello)
	if err != nil {
		l.Warnw("rejecting session", "err", err)
		return stream.SendMsg(&Welcome{Reason: err.Error()})
	}
	if err := stream.SendMsg(&Welcome{Accepted: true}); err != nil {
		return err
	}

	s := &grpcSession{
		stream:       stream,
		protocol:     hello.Protocol,
		counterparty: peer.Party,
		timeout:      t.timeout,
		clock:        t.clock,
	}
	ctx := log.ToContext(stream.Context(), l)
	if err := responder(ctx, s); err != nil {
		l.Warnw("responder failed", "err", err)
		return err
	}
	return nil
}

func (t *GRPCTransport) admit(h *Hello) (Peer, Responder, error) {
	if h.To != t.node.Public.Name {
		return Peer{}, nil, fmt.Errorf("session addressed to %s", h.To)
	}
	peer, ok := t.dir.Lookup(h.From)
	if !ok {
		return Peer{}, nil, fmt.Errorf("unknown party %s", h.From)
	}
	msg, err := h.message()
	if err != nil {
		return Peer{}, nil, err
	}
	if err := key.Verify(peer.Party.Key, msg, h.Signature); err != nil {
		return Peer{}, nil, fmt.Errorf("invalid hello signature from %s", h.From)
	}
	responder, ok := t.handler(h.Protocol)
	if !ok {
		return Peer{}, nil, ErrNoHandler
	}
	return peer, responder, nil
}

// grpcStream is what client and server streams have in common.
type grpcStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

type grpcSession struct {
	stream       grpcStream
	cancel       context.CancelFunc
	protocol     Protocol
	counterparty key.Party
	timeout      time.Duration
	clock        clockwork.Clock
	closeOnce    sync.Once
}

func (s *grpcSession) Counterparty() key.Party {
	return s.counterparty
}

func (s *grpcSession) Protocol() Protocol {
	return s.protocol
}

func (s *grpcSession) fail(err error) error {
	metrics.SessionFailures.WithLabelValues(string(s.protocol)).Inc()
	if errors.Is(err, io.EOF) {
		err = ErrSessionClosed
	}
	return &SessionError{Party: s.counterparty.Name, Protocol: s.protocol, Err: err}
}

func (s *grpcSession) Send(ctx context.Context, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return s.fail(err)
	}
	if err := s.stream.SendMsg(v); err != nil {
		return s.fail(err)
	}
	return nil
}

// Receive waits for the next frame. A stream cannot abandon a pending read,
// so giving up on one breaks the session.
func (s *grpcSession) Receive(ctx context.Context, v interface{}) error {
	done := make(chan error, 1)
	go func() {
		done <- s.stream.RecvMsg(v)
	}()

	timer := s.clock.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return s.fail(err)
		}
		return nil
	case <-timer.Chan():
		s.Close()
		return s.fail(ErrTimeout)
	case <-ctx.Done():
		s.Close()
		return s.fail(ctx.Err())
	}
}

func (s *grpcSession) Close() error {
	s.closeOnce.Do(func() {
		if cs, ok := s.stream.(grpc.ClientStream); ok {
			_ = cs.CloseSend()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

var _ Transport = (*GRPCTransport)(nil)
var _ Transport = (*MemoryTransport)(nil)
