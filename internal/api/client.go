// Package api implements the manual-trigger, mutation-proposal, stats,
// and websocket broadcast surface spec.md §6 describes as an external
// collaborator boundary: gorilla/mux REST routes in front of the event
// bus and the Gatekeeper, and gorilla/websocket broadcasters for the
// binary world frame and the JSON feed channel.
//
// client[T] is server/fastview/client.go's single-connection publisher,
// generalized from "always WriteJSON" to a caller-supplied write
// function so the same ping/pong, read-pump, and congestion-bounded
// websock plumbing serves both the binary world frame and the JSON feed
// stream instead of being duplicated per payload shape.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait        = 1 * time.Second
	pubResolution    = 50 * time.Millisecond
	pingResolution   = 200 * time.Millisecond
	pongWait         = pingResolution * 4
	readDeadline     = time.Second
	writeDeadline    = time.Second
	closeGracePeriod = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrSockCongestion indicates too many waiters on the socket for a given op.
var ErrSockCongestion = errors.New("sock op failed due to congestion")

// ErrPongDeadlineExceeded is returned when the peer stops answering pings.
var ErrPongDeadlineExceeded = errors.New("client disconnect, pong deadline exceeded")

// websock serializes reads and writes to a websocket.Conn, whose own
// contract allows only one concurrent reader and one concurrent writer.
type websock struct {
	readSem  chan struct{}
	writeSem chan struct{}
	ws       *websocket.Conn
}

func newWebsock(ws *websocket.Conn) *websock {
	return &websock{readSem: make(chan struct{}, 1), writeSem: make(chan struct{}, 1), ws: ws}
}

func (s *websock) Conn() *websocket.Conn { return s.ws }

func (s *websock) Close() {
	s.readSem <- struct{}{}
	s.writeSem <- struct{}{}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(closeGracePeriod)
	s.ws.Close()
}

func (s *websock) Read(ctx context.Context, fn func(*websocket.Conn) error) error {
	select {
	case <-ctx.Done():
		return nil
	case s.readSem <- struct{}{}:
		defer func() { <-s.readSem }()
		return fn(s.ws)
	case <-time.After(readDeadline):
		return ErrSockCongestion
	}
}

func (s *websock) Write(ctx context.Context, fn func(*websocket.Conn) error) error {
	select {
	case <-ctx.Done():
		return nil
	case s.writeSem <- struct{}{}:
		defer func() { <-s.writeSem }()
		return fn(s.ws)
	case <-time.After(writeDeadline):
		return ErrSockCongestion
	}
}

func isError(err error) bool {
	return err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// client publishes a single connection's worth of updates unidirectionally
// to a websocket client, at a bounded publish rate, discarding updates
// that arrive faster than pubResolution allows. write performs the
// actual wire encoding, binary for the world frame, JSON for the feed.
type client[T any] struct {
	updates <-chan T
	ws      *websock
	rootCtx context.Context
	write   func(*websocket.Conn, T) error
}

func newClient[T any](updates <-chan T, w http.ResponseWriter, r *http.Request, write func(*websocket.Conn, T) error) (*client[T], error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &client[T]{updates: updates, ws: newWebsock(ws), rootCtx: r.Context(), write: write}, nil
}

// Sync drives the connection's ping/pong, read pump, and publish loop
// concurrently until one of them errors or the client disconnects.
func (c *client[T]) Sync() error {
	group, groupCtx := errgroup.WithContext(c.rootCtx)
	group.Go(func() error { return c.readMessages(groupCtx) })
	group.Go(func() error { return c.pingPong(groupCtx) })
	group.Go(func() error { return c.publish(groupCtx) })
	err := group.Wait()
	c.ws.Close()
	return err
}

func (c *client[T]) pingPong(ctx context.Context) error {
	pong := make(chan struct{})
	defer close(pong)
	c.ws.Conn().SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	pinger := channerics.NewTicker(ctx.Done(), pingResolution)
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if time.Since(lastPong) > pongWait {
				return ErrPongDeadlineExceeded
			}
			if err := c.ping(ctx); err != nil {
				return err
			}
		case <-pong:
			lastPong = time.Now()
		}
	}
}

func (c *client[T]) ping(ctx context.Context) error {
	return c.ws.Write(ctx, func(ws *websocket.Conn) error {
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil && isError(err) {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	})
}

func (c *client[T]) readMessages(ctx context.Context) error {
	for {
		err := c.ws.Read(ctx, func(ws *websocket.Conn) error {
			_, _, readErr := ws.ReadMessage()
			return readErr
		})
		if err != nil {
			return err
		}
	}
}

func (c *client[T]) publish(ctx context.Context) error {
	lastSync := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-c.updates:
			if !ok {
				return nil
			}
			if time.Since(lastSync) < pubResolution {
				continue
			}
			lastSync = time.Now()
			err := c.ws.Write(ctx, func(ws *websocket.Conn) error {
				if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return fmt.Errorf("set write deadline: %w", err)
				}
				if err := c.write(ws, v); err != nil && isError(err) {
					return fmt.Errorf("publish: %w", err)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
}
