// Package routeros adapts the go-routeros API client to the devicepool Session and Dialer
// interfaces.
//
// Sessions run the client in asynchronous mode so a watcher goroutine learns about a dead
// connection as soon as the reader fails, and so a command can be abandoned on deadline by
// dropping the connection. RouterOS has no way to cancel a command once it is sent.
package routeros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ros "github.com/go-routeros/routeros/v3"

	"github.com/ispbill/routerd/internal/devicepool"
)

// Dialer opens authenticated RouterOS API sessions.
type Dialer struct {
	// TLSConfig is used for API-SSL. Nil accepts any certificate, since routers ship with
	// self-signed ones.
	TLSConfig *tls.Config
	// KeepAlive is the TCP keepalive period. Zero uses the net package default.
	KeepAlive time.Duration
}

var _ devicepool.Dialer = (*Dialer)(nil)

func (d *Dialer) tlsConfig(serverName string) *tls.Config {
	if d.TLSConfig != nil {
		cfg := d.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = serverName
		}
		return cfg
	}
	return &tls.Config{ServerName: serverName, InsecureSkipVerify: true} //nolint:gosec // router certificates are self-signed
}

// Dial connects to addr and logs in with cfg's credentials. ctx bounds both steps. A login
// rejected by the router wraps devicepool.ErrAuthFailure.
func (d *Dialer) Dial(ctx context.Context, addr string, cfg devicepool.DeviceConfig) (devicepool.Session, error) {
	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		td := &tls.Dialer{NetDialer: nd, Config: d.tlsConfig(cfg.Host)}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	client, err := ros.NewClient(conn)
	if err == nil {
		err = client.Login(cfg.User, cfg.Password)
	}
	if !stop() {
		return nil, fmt.Errorf("login to %s: %w", addr, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	if err != nil {
		_ = conn.Close()
		var de *ros.DeviceError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%w: %s: %v", devicepool.ErrAuthFailure, addr, err)
		}
		return nil, fmt.Errorf("login to %s: %w", addr, err)
	}
	return newSession(client, conn), nil
}

// Session is one logged-in API connection.
type Session struct {
	client *ros.Client
	conn   net.Conn

	mu        sync.Mutex
	closed    bool
	listeners map[int]devicepool.SessionListener
	nextID    int
}

var _ devicepool.Session = (*Session)(nil)

func newSession(client *ros.Client, conn net.Conn) *Session {
	s := &Session{
		client:    client,
		conn:      conn,
		listeners: make(map[int]devicepool.SessionListener),
	}
	go s.watch(client.Async())
	return s
}

// watch waits for the client's reader to stop and notifies listeners unless the session
// was closed locally.
func (s *Session) watch(errC <-chan error) {
	err, ok := <-errC

	s.mu.Lock()
	local := s.closed
	s.closed = true
	listeners := make([]devicepool.SessionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if local {
		return
	}
	for _, l := range listeners {
		if ok && err != nil {
			l.OnError(err)
		} else {
			l.OnClose()
		}
	}
}

// Subscribe registers l for asynchronous error and close notifications.
func (s *Session) Subscribe(l devicepool.SessionListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Run sends path with args and collects the reply. If ctx expires first the connection is
// dropped and the error wraps ctx.Err().
func (s *Session) Run(ctx context.Context, path string, args []string) ([]devicepool.Row, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%s: %w", path, net.ErrClosed)
	}

	sentence := make([]string, 0, len(args)+1)
	sentence = append(sentence, path)
	sentence = append(sentence, args...)

	type outcome struct {
		reply *ros.Reply
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		reply, err := s.client.RunArgs(sentence)
		ch <- outcome{reply, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, wrapError(path, o.err)
		}
		return replyRows(o.reply), nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%s: %w", path, ctx.Err())
	}
}

// Close drops the connection. Listeners are not notified of a local close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	// Closing the conn unblocks the client's reader goroutine.
	return s.conn.Close()
}

func wrapError(path string, err error) error {
	var de *ros.DeviceError
	if errors.As(err, &de) {
		return fmt.Errorf("%w: %s: %v", devicepool.ErrDeviceRejected, path, err)
	}
	return fmt.Errorf("%s: %w", path, err)
}

// replyRows turns !re sentences into rows. Commands that answer only with !done
// attributes (add returns =ret=) yield a single row.
func replyRows(reply *ros.Reply) []devicepool.Row {
	if reply == nil {
		return []devicepool.Row{}
	}
	rows := make([]devicepool.Row, 0, len(reply.Re))
	for _, re := range reply.Re {
		row := make(devicepool.Row, len(re.Map))
		for k, v := range re.Map {
			row[k] = v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 && reply.Done != nil && len(reply.Done.Map) > 0 {
		row := make(devicepool.Row, len(reply.Done.Map))
		for k, v := range reply.Done.Map {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows
}
