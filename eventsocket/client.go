package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"strings"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/smallsat/snp/conn"
)

var (
	// Filename is a command-line flag holding the name of the Unix-domain
	// socket used by the client and server. Kept as a single standard flag
	// name so every binary that wants to subscribe uses the same flag.
	Filename = flag.String("snp.eventsocket", "", "The filename of the unix-domain socket on which connection events are served.")
)

// Handler is implemented by anyone interested in connection-lifecycle
// notifications. Open is called when a connection reaches the open state;
// Close is called when its slot returns to closed.
type Handler interface {
	Open(ctx context.Context, timestamp time.Time, uuid string, id *conn.ID)
	Close(ctx context.Context, timestamp time.Time, uuid string)
}

// MustRun reads from the named socket until ctx is cancelled. Any errors
// other than the connection closing out from under it are fatal.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "Could not connect to %q", socket)
	go func() {
		// Close the connection when the context is done. Closing the
		// underlying connection means that the scanner will soon terminate.
		<-ctx.Done()
		c.Close()
	}()

	// By default bufio.Scanner is based on newlines, which is perfect for
	// our JSONL protocol.
	s := bufio.NewScanner(c)
	for s.Scan() {
		var n Notification
		rtx.Must(json.Unmarshal(s.Bytes(), &n), "Could not unmarshal")
		switch n.Event {
		case Opened:
			handler.Open(ctx, n.Timestamp, n.UUID, n.ID)
		case Closed:
			handler.Close(ctx, n.Timestamp, n.UUID)
		default:
			log.Println("Unknown event type:", n.Event)
		}
	}

	// s.Err() is supposed to be nil under normal conditions. Scanner objects
	// hide the expected EOF error and return nil after they encounter it,
	// because EOF is the expected error. However, reading on a closed socket
	// doesn't give you an EOF error and the error it does give you is
	// unexported. The error it gives you should be treated the same as EOF,
	// because it corresponds to the connection terminating under normal
	// conditions. Because Scanner hides the EOF error, it should also hide
	// the unexported one. Because Scanner doesn't, we do so here. Other
	// errors should not be hidden.
	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	rtx.Must(err, "Scanning of %q died with non-EOF error", socket)
}
