// Command snpd is the SNP node daemon: it wires a stack.Stack together from
// command-line flags, brings up a UDP-tunnel link (drivers/udplo) standing
// in for the out-of-scope physical layer, serves Prometheus metrics, and
// runs the router loop until terminated. Replaces main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/smallsat/snp/archival"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/drivers/udplo"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/stack"
	"github.com/smallsat/snp/sysinfo"
)

var (
	localAddr   = flag.Uint("addr", 1, "This node's local SNP address")
	headerVer   = flag.Int("header-version", 1, "SNP wire header version (1 or 2)")
	hostname    = flag.String("hostname", "", "Hostname reported by the CMP ident service (default: OS hostname)")
	model       = flag.String("model", "snpd", "Model string reported by the CMP ident service")
	listenAddr  = flag.String("listen", ":9600", "UDP address this node's loopback/tunnel driver binds")
	peers       = flag.String("peers", "", "Comma-separated addr=host:port peer list for the UDP tunnel driver, e.g. 2=127.0.0.1:9601")
	routes      = flag.String("routes", "", "Comma-separated addr[/mask] ifname [via] route entries to install at startup; mask is the raw netmask value, as emitted by route save")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	peekPoke    = flag.Bool("enable-peek-poke", false, "Enable the privileged CMP peek/poke services against this process's own memory")
	archivePath = flag.String("archive", "", "If set, path to write periodic connection-snapshot archival records (JSON lines)")
	archiveEach = flag.Duration("archive-interval", 30*time.Second, "How often to sample the connection table for archival")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	cfg := config.Default()
	if *headerVer == 2 {
		cfg.Version = config.V2
	}
	cfg.Address = uint16(*localAddr)
	cfg.Model = *model
	cfg.Hostname = *hostname
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		rtx.Must(err, "Could not read hostname")
		cfg.Hostname = h
	}

	s := stack.New(cfg, stack.DefaultSizes())
	if *peekPoke {
		s.Service.Peek = sysinfo.RawPeek
		s.Service.Poke = sysinfo.RawPoke
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	ctx, cancel := context.WithCancel(context.Background())
	defer promSrv.Shutdown(ctx)

	drv, err := udplo.New("udplo0", *listenAddr, 1200, s.Pool, s.FanIn)
	rtx.Must(err, "Could not start udplo driver on %q", *listenAddr)
	defer drv.Close()
	s.AddInterface(drv.Iface, true)

	for _, p := range strings.Split(*peers, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			rtx.Must(fmt.Errorf("bad peer entry %q", p), "Could not parse -peers")
		}
		addr, err := strconv.Atoi(kv[0])
		rtx.Must(err, "Bad peer address %q", kv[0])
		rtx.Must(drv.AddPeer(uint16(addr), kv[1]), "Could not register peer %q", p)
		rtx.Must(s.RTable.Set(uint16(addr), cfg.Version.MaxNodeID(), drv.Iface, 0, false), "Could not install route to %d", addr)
	}

	for _, entry := range strings.Split(*routes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, mask, ifname, via, hasVia, err := rtable.Parse(entry, cfg.Version.HostBits())
		rtx.Must(err, "Could not parse route entry %q", entry)
		if ifname != drv.Iface.Name {
			rtx.Must(fmt.Errorf("unknown interface %q", ifname), "Could not install route %q", entry)
		}
		rtx.Must(s.RTable.Set(prefix, mask, drv.Iface, via, hasVia), "Could not install route %q", entry)
	}

	go drv.Run()
	go s.Run(ctx)

	var writer *archival.Writer
	if *archivePath != "" {
		f, err := os.Create(*archivePath)
		rtx.Must(err, "Could not create archive file %q", *archivePath)
		writer = archival.NewWriter(f, archival.FormatJSON)
		go func() {
			ticker := time.NewTicker(*archiveEach)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					s.Conns.Each(func(c *conn.Connection) {
						writer.Sample(c, now)
					})
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	if writer != nil {
		writer.Close()
	}
}
