// Package server implements the TCP and UDP acceptors: per spec §5 each
// listening port runs its own accept loop, spawning one relay.Session
// per TCP connection or per UDP client endpoint, coordinated for
// shutdown with golang.org/x/sync/errgroup the way the teacher
// coordinates its routing goroutines.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"ssrelay/internal/cipher"
	"ssrelay/internal/config"
	"ssrelay/internal/logging"
	"ssrelay/internal/metrics"
	"ssrelay/internal/relay"
)

const dialTimeout = 10 * time.Second

// Server owns every configured listener and the shared metrics/cipher
// infrastructure they use.
type Server struct {
	cfg     *config.Config
	ciphers cipher.Factory
	logger  logging.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, ciphers cipher.Factory, logger logging.Logger, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, ciphers: ciphers, logger: logger, metrics: m}
}

// Run starts every configured TCP/UDP listener plus the metrics server
// (if configured), and blocks until ctx is cancelled or one of them
// fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, entry := range s.cfg.Entries {
		entry := entry
		g.Go(func() error { return s.runTCP(ctx, entry) })
		g.Go(func() error { return s.runUDP(ctx, entry) })
	}

	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			s.logger.Info("metrics server listening", "addr", s.cfg.MetricsAddr)
			errCh := make(chan error, 1)
			go func() { errCh <- s.metrics.Serve(s.cfg.MetricsAddr) }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			}
		})
	}

	return g.Wait()
}

func (s *Server) runTCP(ctx context.Context, entry config.PortEntry) error {
	addr := net.JoinHostPort("", strconv.Itoa(entry.Port))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %d: %w", entry.Port, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("tcp listener started", "port", entry.Port)

	dial := relay.TCPDialer(s.ciphers, dialTimeout, s.logger, s.metrics)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept tcp %d: %w", entry.Port, err)
			}
		}
		go s.handleTCPConn(entry, dial, conn)
	}
}

func (s *Server) handleTCPConn(entry config.PortEntry, dial relay.Dialer, conn net.Conn) {
	cph, err := s.ciphers.GetCipherByPort(entry.Port, cipher.TCP)
	if err != nil {
		s.logger.Error("build cipher failed", "port", entry.Port, "err", err)
		conn.Close()
		return
	}

	portLabel, transportLabel := strconv.Itoa(entry.Port), "tcp"
	s.metrics.ConnectionsMade.WithLabelValues(portLabel, transportLabel).Inc()
	s.metrics.ActiveConnection.WithLabelValues(portLabel, transportLabel).Inc()

	session := relay.New(relay.Config{
		Port:      entry.Port,
		Transport: cipher.TCP,
		Peer:      conn.RemoteAddr(),
		Cipher:    cph,
		Dial:      dial,
		Logger:    s.logger,
		Metrics:   s.metrics,
		WriteToClient: func(b []byte) error {
			_, err := conn.Write(b)
			return err
		},
		CloseClient: func() { conn.Close() },
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			session.HandleData(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	session.Close()
}

func (s *Server) runUDP(ctx context.Context, entry config.PortEntry) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("", strconv.Itoa(entry.Port)))
	if err != nil {
		return fmt.Errorf("resolve udp %d: %w", entry.Port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", entry.Port, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Info("udp listener started", "port", entry.Port)

	store := relay.NewUDPSessionStore(s.cfg.UDPSessionTTL(), s.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Run(gctx, s.cfg.UDPCleanupInterval())
		return nil
	})
	g.Go(func() error {
		return s.udpReadLoop(ctx, entry, conn, store)
	})
	return g.Wait()
}

func (s *Server) udpReadLoop(ctx context.Context, entry config.PortEntry, conn *net.UDPConn, store *relay.UDPSessionStore) error {
	dial := relay.UDPDialer(s.ciphers, s.logger)
	buf := make([]byte, 64*1024)

	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read udp %d: %w", entry.Port, err)
			}
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		key := peer.String()

		session, ok := store.Get(key)
		if !ok {
			cph, err := s.ciphers.GetCipherByPort(entry.Port, cipher.UDP)
			if err != nil {
				s.logger.Error("build udp cipher failed", "port", entry.Port, "err", err)
				continue
			}

			portLabel, transportLabel := strconv.Itoa(entry.Port), "udp"
			s.metrics.ConnectionsMade.WithLabelValues(portLabel, transportLabel).Inc()
			s.metrics.ActiveConnection.WithLabelValues(portLabel, transportLabel).Inc()

			peerAddr := peer
			session = relay.New(relay.Config{
				Port:      entry.Port,
				Transport: cipher.UDP,
				Peer:      peerAddr,
				Cipher:    cph,
				Dial:      dial,
				Logger:    s.logger,
				Metrics:   s.metrics,
				WriteToClient: func(b []byte) error {
					_, err := conn.WriteToUDP(b, peerAddr)
					return err
				},
				OnClose: func() { store.Remove(key) },
			})
			store.Put(key, session)
		}
		session.HandleData(data)
	}
}
