package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logs "github.com/danmuck/peerwire/internal/logging"
)

const defaultWSPath = "/peer"

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	queue  *acceptQueue
	closed sync.Once
}

func wsPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultWSPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func listenWS(cfg ListenConfig) (Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{ln: ln, queue: newAcceptQueue()}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath(cfg.Path), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Debugf("transport.wsListener upgrade remote=%s err=%v", r.RemoteAddr, err)
			return
		}
		if !l.queue.push(newWSStream(conn)) {
			conn.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if cfg.TLS.Enabled {
		tlsConf, err := serverTLS(cfg.TLS)
		if err != nil {
			ln.Close()
			return nil, err
		}
		l.srv.TLSConfig = tlsConf
		go l.run(func() error { return l.srv.ServeTLS(ln, "", "") })
	} else {
		go l.run(func() error { return l.srv.Serve(ln) })
	}
	return l, nil
}

func (l *wsListener) run(serve func() error) {
	if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logs.Warnf("transport.wsListener serve: %v", err)
	}
	l.queue.close()
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	return l.queue.accept(ctx)
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Close() error {
	var err error
	l.closed.Do(func() {
		l.queue.close()
		err = l.srv.Close()
	})
	return err
}

func dialWS(ctx context.Context, cfg DialConfig) (Stream, error) {
	u := url.URL{Scheme: "ws", Host: cfg.Addr, Path: wsPath(cfg.Path)}
	dialer := *websocket.DefaultDialer
	if cfg.TLS.Enabled {
		tlsConf, err := clientTLS(cfg.TLS, cfg.Addr)
		if err != nil {
			return nil, err
		}
		u.Scheme = "wss"
		dialer.TLSClientConfig = tlsConf
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// wsStream presents binary websocket messages as one byte stream.
type wsStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	cur io.Reader

	wmu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
