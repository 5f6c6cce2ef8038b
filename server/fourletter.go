package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/zkproxy/internal/logctx"
)

// fourLetter answers an administrative command and leaves closing nc to the
// caller.
func (s *Server) fourLetter(ctx context.Context, word string, nc net.Conn) {
	var b strings.Builder
	switch word {
	case "ruok":
		b.WriteString("imok")
	case "isro":
		b.WriteString("rw")
	case "srvr":
		s.writeSrvr(&b)
	case "stat":
		b.WriteString("Clients:\n")
		s.writeCons(&b)
		b.WriteString("\n")
		s.writeSrvr(&b)
	case "cons":
		s.writeCons(&b)
	case "mntr":
		s.writeMntr(&b)
	case "envi":
		s.writeEnvi(&b)
	case "conf":
		keys := make([]string, 0, len(s.settings))
		for k := range s.settings {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%s\n", k, s.settings[k])
		}
	}
	s.log.DebugContext(ctx, "server.fourletter", slog.String("word", word))
	_ = nc.SetWriteDeadline(time.Now().Add(s.handshakeTimeout))
	_, _ = nc.Write([]byte(b.String()))
}

func (s *Server) writeSrvr(b *strings.Builder) {
	st := s.eng.Stats()
	fmt.Fprintf(b, "Zookeeper version: zkproxy %s\n", s.version)
	b.WriteString("Latency min/avg/max: 0/0/0\n")
	fmt.Fprintf(b, "Received: %d\n", s.received.Load())
	fmt.Fprintf(b, "Sent: %d\n", s.sent.Load())
	fmt.Fprintf(b, "Connections: %d\n", s.conns.Size())
	fmt.Fprintf(b, "Outstanding: %d\n", st.Outstanding)
	fmt.Fprintf(b, "Zxid: 0x%x\n", uint64(st.LastZxid))
	b.WriteString("Mode: proxy\n")
	fmt.Fprintf(b, "Sessions: %d\n", st.Sessions)
}

func (s *Server) writeCons(b *strings.Builder) {
	var lines []string
	s.conns.Range(func(_ string, c *conn) bool {
		lines = append(lines, fmt.Sprintf(" %s[1](queued=%d,recved=%d,sent=%d,sid=%s)\n",
			c.nc.RemoteAddr(), len(c.out), c.received.Load(), c.sent.Load(),
			logctx.FormatSessionID(c.session.Load())))
		return true
	})
	slices.Sort(lines)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func (s *Server) writeMntr(b *strings.Builder) {
	st := s.eng.Stats()
	kv := [][2]string{
		{"zk_version", "zkproxy " + s.version},
		{"zk_server_state", "proxy"},
		{"zk_proxy_id", st.ProxyID},
		{"zk_uptime", fmt.Sprint(time.Since(s.started).Milliseconds())},
		{"zk_packets_received", fmt.Sprint(s.received.Load())},
		{"zk_packets_sent", fmt.Sprint(s.sent.Load())},
		{"zk_num_alive_connections", fmt.Sprint(s.conns.Size())},
		{"zk_outstanding_requests", fmt.Sprint(st.Outstanding)},
		{"zk_sessions", fmt.Sprint(st.Sessions)},
		{"zk_detached_sessions", fmt.Sprint(st.Detached)},
		{"zk_last_zxid", fmt.Sprintf("0x%x", uint64(st.LastZxid))},
	}
	for _, e := range kv {
		fmt.Fprintf(b, "%s\t%s\n", e[0], e[1])
	}
}

func (s *Server) writeEnvi(b *strings.Builder) {
	host, _ := os.Hostname()
	wd, _ := os.Getwd()
	b.WriteString("Environment:\n")
	fmt.Fprintf(b, "zookeeper.version=zkproxy %s\n", s.version)
	fmt.Fprintf(b, "host.name=%s\n", host)
	fmt.Fprintf(b, "go.version=%s\n", runtime.Version())
	fmt.Fprintf(b, "os.name=%s\n", runtime.GOOS)
	fmt.Fprintf(b, "os.arch=%s\n", runtime.GOARCH)
	fmt.Fprintf(b, "user.dir=%s\n", wd)
	fmt.Fprintf(b, "proxy.id=%s\n", s.eng.ProxyID())
}
