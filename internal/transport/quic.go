package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	logs "github.com/danmuck/peerwire/internal/logging"
)

// streamPreamble is written by the dialer; quic only announces a stream to
// the acceptor once data flows on it.
var streamPreamble = [4]byte{'p', 'w', 'q', '1'}

var ErrBadPreamble = errors.New("transport: bad quic stream preamble")

func quicConfig() *quic.Config {
	return &quic.Config{
		InitialPacketSize: 1200,
		KeepAlivePeriod:   10 * time.Second,
		MaxIdleTimeout:    30 * time.Second,
	}
}

type quicListener struct {
	ln    *quic.Listener
	queue *acceptQueue
	ctx   context.Context
	stop  context.CancelFunc
}

func listenQUIC(cfg ListenConfig) (Listener, error) {
	var (
		tlsConf *tls.Config
		err     error
	)
	if cfg.TLS.CertFile == "" && cfg.TLS.KeyFile == "" {
		logs.Warnf("transport.listenQUIC addr=%s using a generated self-signed certificate", cfg.Addr)
		tlsConf, err = selfSignedTLS()
	} else {
		tlsConf, err = serverTLS(cfg.TLS)
	}
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(cfg.Addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	l := &quicListener{ln: ln, queue: newAcceptQueue(), ctx: ctx, stop: stop}
	go l.serve()
	return l, nil
}

func (l *quicListener) serve() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.queue.close()
			return
		}
		go l.handshake(conn)
	}
}

// handshake waits for the dialer's stream and checks its preamble.
func (l *quicListener) handshake(conn quic.Connection) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}
	var pre [4]byte
	if _, err := io.ReadFull(stream, pre[:]); err != nil || pre != streamPreamble {
		logs.Warnf("transport.quicListener.handshake remote=%s err=%v", conn.RemoteAddr(), ErrBadPreamble)
		conn.CloseWithError(1, "bad preamble")
		return
	}
	if !l.queue.push(&quicStream{Stream: stream, conn: conn}) {
		conn.CloseWithError(0, "")
	}
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	return l.queue.accept(ctx)
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	l.stop()
	l.queue.close()
	return l.ln.Close()
}

type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close ends the whole connection; closing only the stream would leave the
// remote reader waiting.
func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	if cerr := s.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

func dialQUIC(ctx context.Context, cfg DialConfig) (Stream, error) {
	tlsConf, err := clientTLS(cfg.TLS, cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, cfg.Addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write(streamPreamble[:]); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "peerwire-dev"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("transport: create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProto},
	}, nil
}
