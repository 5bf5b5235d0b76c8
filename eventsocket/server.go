// Package eventsocket serves connection-lifecycle notifications over a Unix
// domain socket as newline-delimited JSON. It repurposes the teacher's TCP
// flow-open/flow-close notifier (eventsocket/server.go, client.go) for SNP's
// connection table (§3's Connection, §4.6): external tooling that wants to
// observe connect/close events without polling the connection table can
// subscribe here instead.
package eventsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/metrics"
)

// ConnEvent refers to the kind of connection-table event that has occurred.
type ConnEvent int

const (
	// Opened is sent when a connection reaches the open state (§3 Lifecycles).
	Opened = ConnEvent(iota)
	// Closed is sent when a connection's slot returns to closed.
	Closed
)

// String renders the event kind the way stringer-generated code would, so
// downstream JSON consumers and %v logging see "Opened"/"Closed" rather than
// a bare integer.
func (e ConnEvent) String() string {
	switch e {
	case Opened:
		return "Opened"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnEvent(%d)", int(e))
	}
}

// Notification is the data sent down the socket in JSONL form to clients.
// Timestamp and UUID are always filled in; ID is only present on Opened.
type Notification struct {
	Event     ConnEvent
	Timestamp time.Time
	UUID      string
	ID        *conn.ID `json:",omitempty"`
}

// Server is the interface that actually serves notifications over the Unix
// domain socket. Construct one with New or NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	ConnOpened(timestamp time.Time, uuid string, id conn.ID)
	ConnClosed(timestamp time.Time, uuid string)
}

type server struct {
	eventC       chan *Notification
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

func (s *server) addClient(c net.Conn) {
	log.Println("Adding new connection-event client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.clients[c]
	if !ok {
		log.Println("Tried to remove connection-event client", c, "that was not present")
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		_, err := fmt.Fprintln(c, data)
		if err != nil {
			log.Println("Write to client", c, "failed with error", err, " - removing the client.")
			// Remove in a goroutine because removeClient needs to grab the
			// mutex, so let the goroutine block until the mutex is released
			// when this method returns. This also prevents mid-iteration
			// modification of s.clients.
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		var b []byte
		var err error
		if event != nil {
			b, err = json.Marshal(*event)
		}
		if event == nil || err != nil {
			log.Printf("WARNING: Bad event received %v (err: %v)\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen returns quickly. After Listen has been called, connections to the
// server will not immediately fail. In order for them to succeed, Serve()
// should be called. This function should only be called once for a given
// Server.
func (s *server) Listen() error {
	// Add to the waitgroup inside Listen(), subtract from it in Serve(). That
	// way, even if the Serve() goroutine is scheduled weirdly, servingWG.Wait()
	// will definitely wait for Serve() to finish.
	s.servingWG.Add(1)
	var err error
	// Delete any existing socket file before trying to listen on it. Unclean
	// shutdowns can cause orphaned, stale socket files to hang around, causing
	// this service to fail to start because it can't create the socket.
	os.Remove(s.filename)
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve all clients that connect to this server until the context is
// canceled. It is expected that this will be called in a goroutine, after
// Listen has been called. This function should only be called once for a
// given server.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	// When the context is canceled (which happens when this function exits,
	// but could happen sooner if the parent context is canceled), close the
	// listener and the internal channel. These two closes, along with the
	// context cancellation, should cause every other goroutine to terminate.
	s.servingWG.Add(1) // Add this cleanup goroutine to the waitgroup.
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var c net.Conn
		c, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("Could not Accept on socket %q: %s\n", s.filename, err)
			continue
		}
		s.addClient(c)
	}
	return err
}

// ConnOpened should be called whenever the connection table moves a
// connection into the open state (§4.6's allocate, or the RDP handshake
// completing).
func (s *server) ConnOpened(timestamp time.Time, uuid string, id conn.ID) {
	s.eventC <- &Notification{
		Event:     Opened,
		Timestamp: timestamp,
		ID:        &id,
		UUID:      uuid,
	}
	metrics.ConnEventCount.WithLabelValues("opened").Inc()
}

// ConnClosed should be called whenever a connection's slot returns to
// closed (§4.6 close / §4.8 graceful close).
func (s *server) ConnClosed(timestamp time.Time, uuid string) {
	s.eventC <- &Notification{
		Event:     Closed,
		Timestamp: timestamp,
		UUID:      uuid,
	}
	metrics.ConnEventCount.WithLabelValues("closed").Inc()
}

// New makes a new server that serves clients on the provided Unix domain
// socket.
func New(filename string) Server {
	c := make(chan *Notification, 100)
	return &server{
		filename: filename,
		eventC:   c,
		clients:  make(map[net.Conn]struct{}),
	}
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error                                           { return nil }
func (nullServer) Serve(context.Context) error                             { return nil }
func (nullServer) ConnOpened(timestamp time.Time, uuid string, id conn.ID) {}
func (nullServer) ConnClosed(timestamp time.Time, uuid string)             {}

// NullServer returns a Server that does nothing. Code that may or may not
// want to notify over an eventsocket can take a Server and not worry about
// whether it is nil.
func NullServer() Server {
	return nullServer{}
}
