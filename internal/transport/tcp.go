package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	logs "github.com/danmuck/peerwire/internal/logging"
)

const handshakeTimeout = 10 * time.Second

type tcpListener struct {
	ln    net.Listener
	queue *acceptQueue
	ctx   context.Context
	stop  context.CancelFunc
}

func listenTCP(ctx context.Context, cfg ListenConfig) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.Kind == KindTLS || cfg.TLS.Enabled {
		tlsConf, err := serverTLS(cfg.TLS)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsConf)
	}
	hctx, stop := context.WithCancel(context.Background())
	l := &tcpListener{ln: ln, queue: newAcceptQueue(), ctx: hctx, stop: stop}
	go l.serve()
	return l, nil
}

func (l *tcpListener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.queue.close()
			}
			return
		}
		if tc, ok := conn.(*tls.Conn); ok {
			go l.handshake(tc)
			continue
		}
		if !l.queue.push(conn) {
			conn.Close()
			return
		}
	}
}

// handshake finishes the server side before the stream is queued.
func (l *tcpListener) handshake(conn *tls.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		logs.Warnf("transport.tcpListener.handshake remote=%s err=%v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if !l.queue.push(conn) {
		conn.Close()
	}
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	return l.queue.accept(ctx)
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Close() error {
	l.stop()
	l.queue.close()
	return l.ln.Close()
}

func dialTCP(ctx context.Context, cfg DialConfig) (Stream, error) {
	if cfg.Kind == KindTLS || cfg.TLS.Enabled {
		tlsConf, err := clientTLS(cfg.TLS, cfg.Addr)
		if err != nil {
			return nil, err
		}
		d := tls.Dialer{Config: tlsConf}
		return d.DialContext(ctx, "tcp", cfg.Addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", cfg.Addr)
}

func splitHost(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}
