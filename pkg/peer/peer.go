// Package peer runs a teamtrust process: it owns the local identity, the
// team replica and its storage, and the connections to other peers
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"teamtrust/pkg/auth"
	"teamtrust/pkg/config"
	"teamtrust/pkg/connection"
	"teamtrust/pkg/metrics"
	"teamtrust/pkg/storage"
	"teamtrust/pkg/team"
	"teamtrust/pkg/transport"
)

var (
	ErrNoTeam      = errors.New("not a member of any team yet")
	ErrAlreadyTeam = errors.New("already a member of a team")
)

const shutdownTimeout = 5 * time.Second

type Peer struct {
	cfg      *config.Config
	logger   *zap.Logger
	local    team.LocalContext
	store    *storage.LevelDB
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mu      sync.Mutex
	team    *team.Team
	conns   map[string]*connection.Connection
	inbound int

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	grpcServer *grpc.Server
	grpcAddr   net.Addr
	httpServer *http.Server
	httpAddr   net.Addr

	closeOnce sync.Once
	closeErr  error
}

// New opens the identity and history in cfg.DataDir and restores the team
// if one was stored
func New(cfg *config.Config, logger *zap.Logger) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	local, err := LoadIdentity(cfg.IdentityPath())
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.HistoryPath(), storage.Options{
		Compress:         cfg.Storage.Compress,
		CompressionLevel: cfg.Storage.CompressionLevel,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		cfg:      cfg,
		logger:   logger.With(zap.String("user", string(local.User.UserID)), zap.String("device", string(local.Device.DeviceID))),
		local:    local,
		store:    store,
		registry: registry,
		metrics:  metrics.New(registry),
		conns:    make(map[string]*connection.Connection),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := p.restore(); err != nil {
		cancel()
		store.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) restore() error {
	teams, err := p.store.Teams()
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		return nil
	}
	if len(teams) > 1 {
		p.logger.Warn("Several teams stored, restoring the first", zap.Int("teams", len(teams)))
	}
	g, err := p.store.LoadGraph(teams[0])
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	t, err := team.Load(g, p.local, p.teamOptions()...)
	if err != nil {
		return fmt.Errorf("failed to restore team: %w", err)
	}
	p.team = t
	p.logger.Info("Restored team",
		zap.String("team", t.Name()),
		zap.Int("links", g.Len()),
		zap.Int("members", len(t.Members())))
	return nil
}

func (p *Peer) teamOptions() []team.Option {
	return []team.Option{
		team.WithLogger(p.logger),
		team.WithStore(p.store),
		team.WithObserver(p.metrics),
		team.WithCacheSize(p.cfg.LockboxCacheSize),
	}
}

func (p *Peer) Local() team.LocalContext { return p.local }

// Team returns the replica, or nil before a team was created or joined
func (p *Peer) Team() *team.Team {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.team
}

func (p *Peer) Metrics() *metrics.Metrics { return p.metrics }

func (p *Peer) CreateTeam(name string) (*team.Team, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.team != nil {
		return nil, ErrAlreadyTeam
	}
	t, err := team.Create(name, p.local, p.teamOptions()...)
	if err != nil {
		return nil, err
	}
	p.team = t
	p.logger.Info("Created team", zap.String("team", name), zap.String("id", string(t.ID())))
	return t, nil
}

// Invite creates a member invitation, or a device invitation for the
// local member
func (p *Peer) Invite(device bool, opts team.InviteOptions) (team.Invite, error) {
	t := p.Team()
	if t == nil {
		return team.Invite{}, ErrNoTeam
	}
	var (
		inv team.Invite
		err error
	)
	if device {
		inv, err = t.InviteDevice(opts)
	} else {
		inv, err = t.InviteMember(opts)
	}
	if err != nil {
		return team.Invite{}, err
	}
	p.metrics.InvitationCreated()
	return inv, nil
}

// Join connects to a member at addr with an invitation seed and waits until
// the team has been received
func (p *Peer) Join(ctx context.Context, addr, seed string) (*team.Team, error) {
	if p.Team() != nil {
		return nil, ErrAlreadyTeam
	}
	conn, err := p.connect(ctx, addr, addr, connection.Config{
		Local:          p.local,
		InvitationSeed: seed,
		TeamOptions:    p.teamOptions(),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Await(ctx, connection.StateConnected); err != nil {
		conn.Stop()
		return nil, err
	}

	t := conn.Team()
	p.mu.Lock()
	p.team = t
	p.mu.Unlock()
	p.logger.Info("Joined team", zap.String("team", t.Name()), zap.String("via", addr))
	return t, nil
}

// Connect opens a sync connection to the peer at addr under name. An open
// connection of the same name is kept.
func (p *Peer) Connect(ctx context.Context, name, addr string) (*connection.Connection, error) {
	t := p.Team()
	if t == nil {
		return nil, ErrNoTeam
	}
	return p.connect(ctx, name, addr, connection.Config{Team: t})
}

func (p *Peer) connect(ctx context.Context, name, addr string, cfg connection.Config) (*connection.Connection, error) {
	p.mu.Lock()
	if c, ok := p.conns[name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	tr, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return p.start(name, tr, cfg)
}

func (p *Peer) dial(ctx context.Context, addr string) (connection.Transport, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return transport.DialWebSocket(ctx, addr, p.logger, int64(p.cfg.MessageLimit()))
	}
	creds, err := auth.ClientCredentials(&p.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if limit := p.cfg.MessageLimit(); limit > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(limit), grpc.MaxCallSendMsgSize(limit)))
	}
	return transport.Dial(ctx, addr, p.logger, opts...)
}

// start runs a connection and keeps it registered under name until it ends
func (p *Peer) start(name string, tr connection.Transport, cfg connection.Config) (*connection.Connection, error) {
	cfg.Transport = tr
	cfg.HandshakeTimeout = p.cfg.Timeout()
	cfg.Logger = p.logger.With(zap.String("connection", name))
	cfg.Metrics = p.metrics
	conn, err := connection.New(cfg)
	if err != nil {
		tr.Close()
		return nil, err
	}

	p.mu.Lock()
	if _, ok := p.conns[name]; ok {
		p.mu.Unlock()
		tr.Close()
		return nil, fmt.Errorf("already connected to %s", name)
	}
	p.conns[name] = conn
	p.mu.Unlock()

	if err := conn.Start(p.ctx); err != nil {
		p.forget(name, conn)
		tr.Close()
		return nil, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drain(name, conn)
	}()
	return conn, nil
}

// drain logs the events of a connection and unregisters it when it ends
func (p *Peer) drain(name string, conn *connection.Connection) {
	for e := range conn.Events() {
		switch e.Type {
		case connection.EventDisconnected:
			if e.Err != nil {
				p.logger.Warn("Connection ended", zap.String("connection", name), zap.Error(e.Err))
			}
		case connection.EventJoined:
			p.logger.Info("Received team", zap.String("connection", name))
		default:
			p.logger.Debug("Connection event", zap.String("connection", name), zap.String("event", string(e.Type)))
		}
	}
	p.forget(name, conn)
}

func (p *Peer) forget(name string, conn *connection.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[name] == conn {
		delete(p.conns, name)
	}
}

// accept takes a connection opened by another peer
func (p *Peer) accept(_ context.Context, tr connection.Transport) {
	t := p.Team()
	if t == nil {
		p.logger.Warn("Refusing connection, no team yet")
		tr.Close()
		return
	}
	p.mu.Lock()
	p.inbound++
	name := fmt.Sprintf("inbound-%d", p.inbound)
	p.mu.Unlock()

	if _, err := p.start(name, tr, connection.Config{Team: t}); err != nil {
		p.logger.Warn("Failed to accept connection", zap.Error(err))
	}
}

// Connections returns the state of every open connection by name
func (p *Peer) Connections() map[string]connection.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]connection.State, len(p.conns))
	for name, c := range p.conns {
		out[name] = c.State()
	}
	return out
}

// Start listens for peers on the configured gRPC and HTTP addresses
func (p *Peer) Start() error {
	if p.cfg.ListenAddress != "" {
		lis, err := net.Listen("tcp", p.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddress, err)
		}
		creds, err := auth.ServerCredentials(&p.cfg.TLS)
		if err != nil {
			lis.Close()
			return err
		}
		var opts []grpc.ServerOption
		if creds != nil {
			opts = append(opts, grpc.Creds(creds))
			p.logger.Info("TLS enabled for sync streams")
		}
		if limit := p.cfg.MessageLimit(); limit > 0 {
			opts = append(opts, grpc.MaxRecvMsgSize(limit), grpc.MaxSendMsgSize(limit))
		}
		p.grpcServer = grpc.NewServer(opts...)
		transport.RegisterSyncServer(p.grpcServer, p.accept, p.logger)
		p.grpcAddr = lis.Addr()
		go func() {
			if err := p.grpcServer.Serve(lis); err != nil {
				p.logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	if p.cfg.HTTPAddress != "" {
		lis, err := net.Listen("tcp", p.cfg.HTTPAddress)
		if err != nil {
			p.stopServers()
			return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTPAddress, err)
		}
		p.httpServer = &http.Server{Handler: p.Router(), ReadHeaderTimeout: 10 * time.Second}
		p.httpAddr = lis.Addr()
		go func() {
			if err := p.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	p.logger.Info("Peer listening",
		zap.String("grpc", addrString(p.grpcAddr)),
		zap.String("http", addrString(p.httpAddr)))
	return nil
}

// GRPCAddr is the bound sync address, nil before Start
func (p *Peer) GRPCAddr() net.Addr { return p.grpcAddr }
func (p *Peer) HTTPAddr() net.Addr { return p.httpAddr }

// Serve starts the servers, keeps the configured peers connected and
// returns when ctx is done
func (p *Peer) Serve(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Close()

	interval := p.cfg.Redial()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.dialPeers(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Peer) dialPeers(ctx context.Context) {
	if p.Team() == nil {
		return
	}
	for _, peer := range p.cfg.Peers {
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
		_, err := p.Connect(dialCtx, peer.Name, peer.Address)
		cancel()
		if err != nil {
			p.logger.Debug("Failed to reach peer", zap.String("peer", peer.Name), zap.Error(err))
		}
	}
}

// Close ends every connection, stops the servers and closes the store
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		conns := make([]*connection.Connection, 0, len(p.conns))
		for _, c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.Unlock()
		for _, c := range conns {
			c.Stop()
		}
		p.wg.Wait()
		p.stopServers()
		p.closeErr = p.store.Close()
	})
	return p.closeErr
}

func (p *Peer) stopServers() {
	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.httpServer.Shutdown(ctx); err != nil {
			p.logger.Warn("HTTP shutdown failed", zap.Error(err))
		}
	}
	if p.grpcServer != nil {
		p.grpcServer.Stop()
	}
}

func (p *Peer) dialTimeout() time.Duration {
	if d := p.cfg.Timeout(); d > 0 {
		return d
	}
	return connection.DefaultHandshakeTimeout
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
