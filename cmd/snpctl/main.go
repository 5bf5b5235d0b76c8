// Command snpctl is the operator's command-line tool for an SNP network.
// routes-export writes a routing table as CSV; it exports the table of the
// tool's own freshly created stack, not that of a running node. routes-import
// reads CSV route rows and parses and prints each one; it does not install
// them in any table. snpctl also speaks the CMP
// management protocol (§4.11) to a running node over the UDP tunnel driver
// to fetch its identity or ping it. Replaces cmd/csvtool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/drivers/udplo"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/service"
	"github.com/smallsat/snp/stack"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// routeRow is the CSV row shape for route export/import, one row per
// rtable.Route (§4.4).
type routeRow struct {
	Prefix    string `csv:"prefix"`
	Mask      string `csv:"mask"`
	Interface string `csv:"interface"`
	Via       string `csv:"via"`
}

func exportRoutes(rt *rtable.Table, w io.Writer) error {
	var rows []routeRow
	rt.Each(func(r *rtable.Route) {
		row := routeRow{
			Prefix:    strconv.Itoa(int(r.Prefix)),
			Mask:      strconv.Itoa(int(r.Mask)),
			Interface: r.Iface.Name,
		}
		if r.HasVia {
			row.Via = strconv.Itoa(int(r.Via))
		}
		rows = append(rows, row)
	})
	return gocsv.Marshal(rows, w)
}

// cmpIdentRequest builds the §4.11/§6 CMP ident request: a 2-byte
// type+code header (type=1 request, code=1 ident) with no body.
func cmpIdentRequest() []byte {
	return []byte{1, 1}
}

func main() {
	exportCmd := flag.NewFlagSet("routes-export", flag.ExitOnError)
	importCmd := flag.NewFlagSet("routes-import", flag.ExitOnError)

	identCmd := flag.NewFlagSet("ident", flag.ExitOnError)
	identAddr := identCmd.Uint("dst", 0, "Destination node address")
	identListen := identCmd.String("listen", ":9700", "Local UDP address to bind for the request")
	identPeer := identCmd.String("peer", "", "host:port of the destination node's UDP tunnel driver")
	identTimeout := identCmd.Duration("timeout", 2*time.Second, "Reply timeout")

	pingCmd := flag.NewFlagSet("ping", flag.ExitOnError)
	pingAddr := pingCmd.Uint("dst", 0, "Destination node address")
	pingListen := pingCmd.String("listen", ":9700", "Local UDP address to bind for the request")
	pingPeer := pingCmd.String("peer", "", "host:port of the destination node's UDP tunnel driver")
	pingMsg := pingCmd.String("payload", "ping", "Payload to echo")
	pingTimeout := pingCmd.Duration("timeout", 2*time.Second, "Reply timeout")

	if len(os.Args) < 2 {
		log.Fatal("Usage: snpctl <routes-export|routes-import|ident|ping> [flags]")
	}

	switch os.Args[1] {
	case "routes-export":
		rtx.Must(exportCmd.Parse(os.Args[2:]), "Could not parse flags")
		rt := rtable.NewTable()
		rtx.Must(exportRoutes(rt, os.Stdout), "Could not export routes")

	case "routes-import":
		rtx.Must(importCmd.Parse(os.Args[2:]), "Could not parse flags")
		var rows []routeRow
		rtx.Must(gocsv.Unmarshal(os.Stdin, &rows), "Could not parse CSV")
		for _, row := range rows {
			line := row.Prefix
			if row.Mask != "" {
				line = row.Prefix + "/" + row.Mask
			}
			line += " " + row.Interface
			if row.Via != "" {
				line += " " + row.Via
			}
			prefix, mask, ifname, _, _, err := rtable.Parse(line, config.V1.HostBits())
			rtx.Must(err, "Could not parse route row %+v", row)
			fmt.Printf("parsed route prefix=%d mask=%d iface=%s\n", prefix, mask, ifname)
		}

	case "ping":
		rtx.Must(pingCmd.Parse(os.Args[2:]), "Could not parse flags")
		rtt, echo, err := runPing(*pingListen, *pingPeer, uint16(*pingAddr), []byte(*pingMsg), *pingTimeout)
		rtx.Must(err, "Ping failed")
		fmt.Printf("reply from %d in %s: %q\n", *pingAddr, rtt, echo)

	case "ident":
		rtx.Must(identCmd.Parse(os.Args[2:]), "Could not parse flags")
		ident, err := runIdent(*identListen, *identPeer, uint16(*identAddr), *identTimeout)
		rtx.Must(err, "Ident request failed")
		fmt.Println(ident)

	default:
		log.Fatalf("Unknown subcommand %q", os.Args[1])
	}
}

// runPing brings up a minimal local stack bound to a single UDP tunnel peer
// and issues a ping request (§4.11, §8 scenario 1).
func runPing(listen, peer string, dst uint16, payload []byte, timeout time.Duration) (time.Duration, []byte, error) {
	s, drv, err := bringUp(listen, peer, dst)
	if err != nil {
		return 0, nil, err
	}
	defer drv.Close()
	return s.Ping(dst, payload, timeout)
}

// runIdent issues a CMP ident request and formats the fixed-width reply
// fields (§4.11) into a single human-readable line. It follows the same
// ephemeral-port request/reply pattern as stack.Stack.Ping, just against
// service.PortCMP instead of service.PortPing.
func runIdent(listen, peer string, dst uint16, timeout time.Duration) (string, error) {
	s, drv, err := bringUp(listen, peer, dst)
	if err != nil {
		return "", err
	}
	defer drv.Close()

	sport, err := s.Conns.NextEphemeralPort()
	if err != nil {
		return "", err
	}
	sock, err := s.Listen(sport, false, true, 1)
	if err != nil {
		return "", err
	}
	defer s.Ports.Unbind(sport)

	pkt, err := s.Pool.Get()
	if err != nil {
		return "", err
	}
	pkt.SetPayload(cmpIdentRequest())

	idout := conn.ID{Src: 0, Dst: dst, Sport: sport, Dport: service.PortCMP}
	if err := s.Router.Send(idout, 0, pkt); err != nil {
		return "", err
	}

	select {
	case reply := <-sock.Packets():
		body := reply.Payload()
		s.Pool.Free(reply)
		wantLen := 2 + config.MaxHostnameLen + config.MaxModelLen + config.MaxRevisionLen + config.MaxDateLen + config.MaxTimeLen
		if len(body) < wantLen {
			return "", fmt.Errorf("short ident reply (%d of %d bytes)", len(body), wantLen)
		}
		b := body[2:]
		off := 0
		field := func(n int) string {
			f := strings.TrimRight(string(b[off:off+n]), "\x00")
			off += n
			return f
		}
		hostname := field(config.MaxHostnameLen)
		model := field(config.MaxModelLen)
		revision := field(config.MaxRevisionLen)
		date := field(config.MaxDateLen)
		tm := field(config.MaxTimeLen)
		return fmt.Sprintf("%s (%s) rev=%s built=%s %s", hostname, model, revision, date, tm), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for ident reply")
	}
}

// bringUp starts a minimal stack addressed as an unaddressed client node,
// with a single UDP tunnel peer pointed at the target (§9 composition).
func bringUp(listen, peer string, dst uint16) (*stack.Stack, *udplo.Driver, error) {
	cfg := config.Default()
	cfg.Address = 0
	s := stack.New(cfg, stack.DefaultSizes())

	drv, err := udplo.New("ctl0", listen, 1200, s.Pool, s.FanIn)
	if err != nil {
		return nil, nil, err
	}
	s.AddInterface(drv.Iface, true)
	if peer != "" {
		if err := drv.AddPeer(dst, peer); err != nil {
			drv.Close()
			return nil, nil, err
		}
	}
	go drv.Run()
	go s.Run(context.Background())
	return s, drv, nil
}
