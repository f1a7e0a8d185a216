package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"marketnode/crypto"
)

const (
	outboundQueueSize       = 256
	greylistRateMultiplier  = 0.25
	slowPenalty             = 2
	maxDialBackoff          = 5 * time.Minute
	defaultHandshakeTimeout = 10 * time.Second
)

var errQueueFull = errors.New("peer outbound queue full")

// ServerConfig bundles every tunable the overlay needs. Zero values pick
// sensible defaults in NewServer.
type ServerConfig struct {
	ListenAddress   string
	NetworkID       string
	ClientVersion   string
	Bootnodes       []string
	PersistentPeers []string
	Seeds           []string // "nodeID@host:port" entries

	MinPeers      int
	OutboundPeers int
	MaxPeers      int
	MaxOutbound   int

	DialBackoff    time.Duration
	MaxDialBackoff time.Duration

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int

	GlobalRatePerSec float64
	GlobalBurst      float64
	PerPeerRate      float64
	PerPeerBurst     float64
	PerIPRate        float64
	PerIPBurst       float64

	NonceGuardWindow time.Duration
	PeerstorePath    string
}

func (c *ServerConfig) setDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = 64
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = c.MaxPeers / 2
		if c.MaxOutbound <= 0 {
			c.MaxOutbound = 8
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.GlobalRatePerSec <= 0 {
		c.GlobalRatePerSec = 500
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = c.GlobalRatePerSec
	}
	if c.PerPeerRate <= 0 {
		c.PerPeerRate = 20
	}
	if c.PerPeerBurst <= 0 {
		c.PerPeerBurst = c.PerPeerRate * 2
	}
	if c.PerIPRate <= 0 {
		c.PerIPRate = 40
	}
	if c.PerIPBurst <= 0 {
		c.PerIPBurst = c.PerIPRate * 2
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = time.Second
	}
	if c.MaxDialBackoff <= 0 {
		c.MaxDialBackoff = maxDialBackoff
	}
}

// PeerRecord tracks liveness bookkeeping the connection manager consults
// when deciding which peer to prune.
type PeerRecord struct {
	LastSeen time.Time
}

// Server is one node's TCP overlay endpoint: it accepts and dials peer
// connections, runs the signed handshake, dispatches market wire messages
// to handler, and keeps the connection manager supplied with live peers.
type Server struct {
	cfg ServerConfig

	privKey    *crypto.PrivateKey
	nodeID     string
	walletAddr string

	handler MessageHandler

	// transport is set by NewMarketTransport once both it and the Server
	// exist; the Router consults it to resolve RetrieveOffers replies.
	transport *MarketTransport

	listener net.Listener

	mu      sync.RWMutex
	peers   map[string]*Peer
	byAddr  map[string]*Peer
	records map[string]*PeerRecord

	outboundCount int

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration
	persistent  map[string]struct{}

	seeds     []seedEndpoint
	peerstore *Peerstore
	connmgr   *connManager

	reputation    *ReputationManager
	nonceGuard    *nonceGuard
	globalLimiter *tokenBucket
	ipLimiter     *ipRateLimiter
	metrics       *networkMetrics

	ratePerPeer float64
	rateBurst   float64

	now func() time.Time

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// NewServer constructs a Server bound to cfg.ListenAddress, ready for
// Start. handler receives every non-control message the overlay delivers.
func NewServer(cfg ServerConfig, privKey *crypto.PrivateKey, handler MessageHandler) (*Server, error) {
	if privKey == nil {
		return nil, fmt.Errorf("p2p: private key required")
	}
	if handler == nil {
		return nil, fmt.Errorf("p2p: message handler required")
	}
	cfg.setDefaults()

	var peerstore *Peerstore
	if strings.TrimSpace(cfg.PeerstorePath) != "" {
		var err error
		peerstore, err = NewPeerstore(cfg.PeerstorePath, cfg.DialBackoff, cfg.MaxDialBackoff)
		if err != nil {
			return nil, fmt.Errorf("p2p: open peerstore: %w", err)
		}
	}

	persistent := make(map[string]struct{}, len(cfg.PersistentPeers))
	for _, addr := range cfg.PersistentPeers {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			persistent[addr] = struct{}{}
		}
	}

	s := &Server{
		cfg:           cfg,
		privKey:       privKey,
		nodeID:        deriveNodeID(privKey),
		walletAddr:    privKey.PubKey().Address().String(),
		handler:       handler,
		peers:         make(map[string]*Peer),
		byAddr:        make(map[string]*Peer),
		records:       make(map[string]*PeerRecord),
		pendingDial:   make(map[string]struct{}),
		backoff:       make(map[string]time.Duration),
		persistent:    persistent,
		seeds:         parseSeedList(cfg.Seeds),
		peerstore:     peerstore,
		reputation:    NewReputationManager(ReputationConfig{}),
		nonceGuard:    newNonceGuard(cfg.NonceGuardWindow),
		globalLimiter: newTokenBucket(cfg.GlobalRatePerSec, cfg.GlobalBurst),
		ipLimiter:     newIPRateLimiter(cfg.PerIPRate, cfg.PerIPBurst),
		metrics:       newNetworkMetrics(),
		ratePerPeer:   cfg.PerPeerRate,
		rateBurst:     cfg.PerPeerBurst,
		now:           time.Now,
		quit:          make(chan struct{}),
	}
	s.connmgr = newConnManager(s)
	return s, nil
}

// NodeID returns this node's derived identifier (keccak256 of the pubkey).
func (s *Server) NodeID() string { return s.nodeID }

// ListenAddr returns the address the listener actually bound (useful when
// ListenAddress used port 0), or "" if Start has not opened a listener.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start opens the listener, begins accepting inbound connections, and
// starts the connection manager's dialing/pruning loop.
func (s *Server) Start() error {
	if strings.TrimSpace(s.cfg.ListenAddress) != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("p2p: listen on %s: %w", s.cfg.ListenAddress, err)
		}
		s.listener = ln
		s.wg.Add(1)
		go s.acceptLoop()
	}
	s.startDialers()
	s.connmgr.start()
	return nil
}

// Stop closes the listener, every live peer connection, and the
// connection manager's background loops.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.connmgr.stop()
		s.mu.RLock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.RUnlock()
		for _, p := range peers {
			p.terminate(false, fmt.Errorf("server shutting down"))
		}
		s.nonceGuard.Close()
		if s.peerstore != nil {
			_ = s.peerstore.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			fmt.Printf("p2p: accept error: %v\n", err)
			continue
		}
		go s.handleInbound(conn)
	}
}

// Connect dials addr, runs the handshake as the initiating side, and
// registers the resulting peer if it succeeds.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("p2p: empty address")
	}
	conn, err := net.DialTimeout("tcp", addr, s.cfg.HandshakeTimeout)
	if err != nil {
		s.markDialFailure(addr)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return s.handleOutbound(conn, addr)
}

func (s *Server) handleInbound(conn net.Conn) {
	_ = s.negotiate(conn, true, "")
}

func (s *Server) handleOutbound(conn net.Conn, dialAddr string) error {
	return s.negotiate(conn, false, dialAddr)
}

func (s *Server) negotiate(conn net.Conn, inbound bool, dialAddr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	reader := bufio.NewReader(conn)
	remote, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		s.metrics.recordHandshake("failure")
		conn.Close()
		if !inbound {
			s.markDialFailure(dialAddr)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	s.metrics.recordHandshake("success")

	if s.isBanned(remote.nodeID) {
		conn.Close()
		return fmt.Errorf("peer %s is banned", remote.nodeID)
	}
	if s.hasPeer(remote.nodeID) {
		conn.Close()
		return fmt.Errorf("already connected to %s", remote.nodeID)
	}

	persistent := s.isPersistent(dialAddr)
	peer := newPeer(remote.nodeID, remote.ClientVersion, conn, reader, s, inbound, persistent, dialAddr)
	s.addPeer(peer)
	peer.start()

	if s.peerstore != nil {
		addr := dialAddr
		if addr == "" {
			addr = conn.RemoteAddr().String()
		}
		_ = s.peerstore.Put(PeerstoreEntry{Addr: addr, NodeID: remote.nodeID, LastSeen: s.now()})
		_, _ = s.peerstore.RecordSuccess(remote.nodeID, s.now())
	}
	if !inbound {
		s.resetBackoff(dialAddr)
	}
	return nil
}

func (s *Server) addPeer(p *Peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	if p.dialAddr != "" {
		s.byAddr[p.dialAddr] = p
	} else {
		s.byAddr[p.remoteAddr] = p
	}
	s.records[p.id] = &PeerRecord{LastSeen: s.now()}
	if !p.inbound {
		s.outboundCount++
	}
	s.mu.Unlock()
}

func (s *Server) removePeer(p *Peer, ban bool, reason error) {
	s.mu.Lock()
	delete(s.peers, p.id)
	if p.dialAddr != "" {
		delete(s.byAddr, p.dialAddr)
	} else {
		delete(s.byAddr, p.remoteAddr)
	}
	delete(s.records, p.id)
	if !p.inbound && s.outboundCount > 0 {
		s.outboundCount--
	}
	s.mu.Unlock()
	s.metrics.removePeer(p.id)

	if ban {
		s.reputation.SetBan(p.id, s.now().Add(15*time.Minute), s.now())
		if s.peerstore != nil {
			_ = s.peerstore.SetBan(p.id, s.now().Add(15*time.Minute))
		}
	}
	if reason != nil {
		fmt.Printf("p2p: peer %s disconnected: %v\n", p.id, reason)
	}
}

// Broadcast enqueues msg to every connected peer.
func (s *Server) Broadcast(msg *Message) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	var firstErr error
	for _, p := range peers {
		if err := p.Enqueue(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendTo enqueues msg to exactly one peer by node id, failing if no such
// peer is currently connected.
func (s *Server) SendTo(nodeID string, msg *Message) error {
	s.mu.RLock()
	p := s.peers[nodeID]
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("p2p: no connection to peer %s", nodeID)
	}
	return p.Enqueue(msg)
}

// Peers returns every currently connected node id.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *Server) isBanned(id string) bool {
	if s.reputation.IsBanned(id, s.now()) {
		return true
	}
	if s.peerstore != nil {
		return s.peerstore.IsBanned(id, s.now())
	}
	return false
}

func (s *Server) allowIP(remoteAddr string, now time.Time) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return s.ipLimiter.allow(host, now)
}

func (s *Server) allowGlobal(now time.Time) bool {
	return s.globalLimiter.allow(now)
}

func (s *Server) handleProtocolViolation(p *Peer, err error) {
	s.reputation.PenalizeMalformed(p.id, s.now(), p.persistent)
	p.terminate(false, fmt.Errorf("protocol violation: %w", err))
}

func (s *Server) handleRateLimit(p *Peer, global bool) {
	if global {
		p.terminate(false, fmt.Errorf("global rate limit exceeded"))
		return
	}
	status := s.reputation.PenalizeSpam(p.id, s.now(), p.persistent)
	if status.Greylisted {
		p.setGreylisted(true)
	}
}

func (s *Server) recordGossip(direction string, msgType byte) {
	s.metrics.recordGossip(direction, msgType)
}

func (s *Server) recordValidMessage(id string) {
	status := s.reputation.MarkUseful(id, s.now())
	s.metrics.observePeerStatus(id, status)
}

func (s *Server) touchPeer(id string) {
	s.mu.Lock()
	if rec := s.records[id]; rec != nil {
		rec.LastSeen = s.now()
	}
	s.mu.Unlock()
}

func (s *Server) observeLatency(id string, d time.Duration) {
	status := s.reputation.ObserveLatency(id, d, s.now())
	s.metrics.observePeerStatus(id, status)
}

func (s *Server) adjustScore(id string, delta int) {
	status := s.reputation.Adjust(id, delta, s.now(), false)
	s.metrics.observePeerStatus(id, status)
}
