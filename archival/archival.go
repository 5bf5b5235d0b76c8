// Package archival implements a periodic connection-table snapshot writer,
// the change-detection idiom of §9's "archival session log" composition
// adapted from the teacher's saver/snapshot/zstd/uuid packages: each SNP
// connection's reliable-transport sequence state and lifecycle state is
// sampled on a fixed interval, compared against its previous sample, and
// written only when something significant changed — the same role
// netlink.(*ParsedMessage).Compare plays for TCPInfo records, adapted here
// to connection state/counters instead.
package archival

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/m-lab/go/logx"
	muuid "github.com/m-lab/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smallsat/snp/archivalpb"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/zstd"
)

var (
	recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_archival_records_written_total",
		Help: "Connection snapshot records written by the archival writer.",
	})
	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_archival_records_unchanged_total",
		Help: "Connection snapshots skipped because nothing significant changed since the last sample.",
	})
	writeErr = logx.NewLogEvery(nil, time.Second)
)

// Format selects the on-disk framing for archival records.
type Format int

const (
	// FormatJSON writes one JSON-encoded Record per line.
	FormatJSON Format = iota
	// FormatProto writes length-prefixed archivalpb.ConnSnapshot protobuf
	// frames, the same varint-length-then-payload shape saver.go's
	// runMarshaller uses for TCPInfo records.
	FormatProto
)

// Record is the JSON-friendly mirror of archivalpb.ConnSnapshot (§3
// Connection).
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	LocalAddr  uint16    `json:"local_addr"`
	RemoteAddr uint16    `json:"remote_addr"`
	LocalPort  uint8     `json:"local_port"`
	RemotePort uint8     `json:"remote_port"`
	State      string    `json:"state"`
	SndUNA     uint16    `json:"snd_una"`
	SndNXT     uint16    `json:"snd_nxt"`
	RcvCUR     uint16    `json:"rcv_cur"`
	Flags      uint8     `json:"flags"`
}

// key identifies a connection slot across samples for change detection.
type key struct {
	local, remote uint16
	lport, rport  uint8
}

// sampleOf reads the fields of interest out of c without mutating it. Any
// fields not touched by the reliable transport (c.RDP == nil) are left
// zero, matching snapshot.go's "sparse struct, zero means absent" style.
func sampleOf(c *conn.Connection, now time.Time) Record {
	r := Record{
		Timestamp:  now,
		LocalAddr:  c.IDIn.Dst,
		RemoteAddr: c.IDIn.Src,
		LocalPort:  c.IDIn.Dport,
		RemotePort: c.IDIn.Sport,
		State:      c.State.String(),
		Flags:      c.IDIn.Flags,
	}
	if c.RDP != nil {
		r.SndUNA = c.RDP.SndUNA
		r.SndNXT = c.RDP.SndNXT
		r.RcvCUR = c.RDP.RcvCUR
	}
	return r
}

// significant reports whether b differs from a in a way worth persisting:
// state transitions and any advance of the reliable-transport sequence
// counters, mirroring netlink.(*ParsedMessage).Compare's
// StateOrCounterChange test but over SNP's own fields instead of TCPInfo's.
func significant(a, b Record) bool {
	return a.State != b.State || a.SndUNA != b.SndUNA || a.SndNXT != b.SndNXT || a.RcvCUR != b.RcvCUR
}

func toProto(r Record) *archivalpb.ConnSnapshot {
	return &archivalpb.ConnSnapshot{
		TimestampNs: r.Timestamp.UnixNano(),
		LocalAddr:   uint32(r.LocalAddr),
		RemoteAddr:  uint32(r.RemoteAddr),
		LocalPort:   uint32(r.LocalPort),
		RemotePort:  uint32(r.RemotePort),
		State:       r.State,
		SndUna:      uint32(r.SndUNA),
		SndNxt:      uint32(r.SndNXT),
		RcvCur:      uint32(r.RcvCUR),
		Flags:       uint32(r.Flags),
	}
}

// Writer drains sampled Records onto a file, optionally piped through an
// external zstd process, exactly as zstd.NewWriter pipes the teacher's
// marshalled TCPInfo frames (grounded on zstd/zstd.go).
type Writer struct {
	format Format
	ch     chan Record
	wg     sync.WaitGroup

	mu   sync.Mutex
	prev map[key]Record
}

// NewWriter starts a background goroutine writing Records to w (typically
// an *os.File or a zstd-piped WriteCloser) in the given format. Callers
// that want uniquely-named session logs obtain an identifier via
// NewSessionID and fold it into the output filename before opening w.
func NewWriter(w io.WriteCloser, format Format) *Writer {
	wr := &Writer{format: format, ch: make(chan Record, 1000), prev: make(map[key]Record)}
	wr.wg.Add(1)
	go wr.run(w)
	return wr
}

func (wr *Writer) run(w io.WriteCloser) {
	defer wr.wg.Done()
	defer w.Close()
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for r := range wr.ch {
		switch wr.format {
		case FormatProto:
			pb := toProto(r)
			wire, err := archivalpb.Marshal(pb)
			if err != nil {
				writeErr.Println("archival: marshal:", err)
				continue
			}
			var szbuf [binary.MaxVarintLen64]byte
			n := binary.PutUvarint(szbuf[:], uint64(len(wire)))
			if _, err := bw.Write(szbuf[:n]); err != nil {
				writeErr.Println("archival: write length:", err)
				continue
			}
			if _, err := bw.Write(wire); err != nil {
				writeErr.Println("archival: write record:", err)
				continue
			}
		default:
			line, err := json.Marshal(r)
			if err != nil {
				writeErr.Println("archival: marshal:", err)
				continue
			}
			bw.Write(line)
			bw.WriteByte('\n')
		}
		recordsWritten.Inc()
	}
}

// Sample takes a snapshot of c and enqueues it for writing only if it is
// significantly different from the last sample taken for this 4-tuple
// (§9's change-detection requirement, grounded on cache.go's
// current/previous generation compare, adapted to a single always-current
// map since archival samples on a fixed tick rather than a netlink batch).
func (wr *Writer) Sample(c *conn.Connection, now time.Time) {
	r := sampleOf(c, now)
	k := key{local: r.LocalAddr, remote: r.RemoteAddr, lport: r.LocalPort, rport: r.RemotePort}

	wr.mu.Lock()
	last, ok := wr.prev[k]
	changed := !ok || significant(last, r)
	wr.prev[k] = r
	wr.mu.Unlock()

	if !changed {
		recordsSkipped.Inc()
		return
	}
	select {
	case wr.ch <- r:
	default:
		writeErr.Println("archival: writer channel full, dropping sample")
	}
}

// Close drains and stops the writer goroutine.
func (wr *Writer) Close() {
	close(wr.ch)
	wr.wg.Wait()
}

// NewSessionID returns a globally-unique-enough session identifier for
// naming an archival log file, the same role m-lab/uuid plays for the
// teacher's per-socket cookie naming: it derives a cookie from the process
// start time and PID (there is no TCP socket to read a kernel cookie from
// here) and renders it through the same hostname+boottime-prefixed scheme.
func NewSessionID() (string, error) {
	cookie := uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())<<32
	return muuid.FromCookie(cookie), nil
}

// PipeToZstd opens filename and returns a WriteCloser that compresses
// everything written to it through an external `zstd` process (grounded on
// zstd/zstd.go, reused directly rather than reimplemented).
func PipeToZstd(filename string) (io.WriteCloser, error) {
	return zstd.NewWriter(filename)
}
