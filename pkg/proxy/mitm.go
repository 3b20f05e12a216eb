package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// serveTunnel terminates TLS toward the client using a leaf certificate
// minted for the requested name and feeds the decrypted stream back into
// the request loop. Certificate selection prefers the ClientHello SNI; with
// no SNI the CONNECT target host is used (it may be an IP).
func (s *Server) serveTunnel(ctx context.Context, conn net.Conn, connectHost string) {
	fallback := connectHost
	if h, _, err := net.SplitHostPort(connectHost); err == nil {
		fallback = h
	}

	tlsCfg := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serverName := chi.ServerName
			if serverName == "" {
				serverName = fallback
			}
			cert, err := s.cfg.Mint.Leaf(serverName)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("server_name", serverName).Msg("leaf mint failed")
				return nil, err
			}
			return &cert, nil
		},
		NextProtos: []string{"http/1.1"},
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		// client may not trust the root, or did not speak TLS at all
		log.Ctx(ctx).Debug().Err(err).Str("host", connectHost).Msg("tunnel handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	logger := log.Ctx(ctx).With().Str("sni", tlsConn.ConnectionState().ServerName).Logger()
	tctx := logger.WithContext(ctx)

	br := bufio.NewReader(tlsConn)
	s.serveRequests(tctx, tlsConn, br, true)
}
