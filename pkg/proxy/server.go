package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// connectEstablished is the literal CONNECT reply; no other headers, ever.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Server is the forward-proxy front end: one TCP listener, one goroutine
// per connection, HTTP/1.1 with keep-alive, CONNECT intercepted via MITM.
type Server struct {
	cfg  Config
	addr string

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer builds a server listening on addr once started.
func NewServer(addr string, cfg Config) *Server {
	return &Server{cfg: cfg, addr: addr}
}

// ListenAndServe accepts connections until ctx is canceled, then waits for
// in-flight connections to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info().Str("addr", s.addr).Msg("proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	return nil
}

// Addr reports the bound listener address, for tests that listen on :0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleConn owns one client connection: reads requests until the client
// closes, the idle timeout fires, or a handler asks to stop. A CONNECT
// hands the socket over to the MITM tunnel and ends the outer loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	connID := uuid.Must(uuid.NewV7())
	logger := log.With().Str("connection_id", connID.String()).Logger()
	ctx = logger.WithContext(context.WithValue(ctx, ConnectionIDKey{}, connID))

	br := bufio.NewReader(conn)
	s.serveRequests(ctx, conn, br, false)
}

// serveRequests is the shared keep-alive loop for plain connections and
// decrypted tunnels.
func (s *Server) serveRequests(ctx context.Context, conn net.Conn, br *bufio.Reader, isTLS bool) {
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !isTimeout(err) && ctx.Err() == nil {
				log.Ctx(ctx).Debug().Err(err).Msg("malformed request")
				writeError(conn, http.StatusBadRequest)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		reqID := uuid.Must(uuid.NewV7())
		rlogger := log.Ctx(ctx).With().Str("request_id", reqID.String()).Logger()
		rctx := rlogger.WithContext(context.WithValue(ctx, RequestIDKey{}, reqID))

		if req.Method == http.MethodConnect {
			if isTLS {
				// no tunnels inside tunnels
				writeError(conn, http.StatusBadRequest)
				return
			}
			s.handleConnect(rctx, conn, br, req)
			return
		}

		keep := s.handleRequest(rctx, conn, req, isTLS)
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
		if !keep {
			return
		}
	}
}

// handleConnect replies 200 on the raw socket, then terminates TLS with a
// minted leaf and re-enters the request loop on the decrypted stream.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncTunnels()
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		writeError(conn, http.StatusBadRequest)
		return
	}

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return
	}
	log.Ctx(ctx).Debug().Str("host", host).Msg("tunnel open")

	// a client may pipeline its ClientHello behind the CONNECT
	raw := net.Conn(conn)
	if br.Buffered() > 0 {
		raw = &bufferedConn{Conn: conn, r: br}
	}
	s.serveTunnel(ctx, raw, host)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// bufferedConn replays bytes the request reader had already buffered before
// handing the socket to the TLS layer.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
