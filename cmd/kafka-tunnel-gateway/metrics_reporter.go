package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/jpillora/sizestr"
)

type metricsSnapshot struct {
	Timestamp  string            `json:"ts"`
	Tunnel     map[string]uint64 `json:"tunnel"`
	Transports int               `json:"transports"`
	Sessions   int               `json:"sessions"`
	RT         map[string]uint64 `json:"rt"`
	Srv        map[string]uint64 `json:"srv_limits"`
}

func runMetricsReporter(ctx context.Context, g *gateway.Gateway, interval time.Duration, format string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		dumpMetrics(g, format)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func takeSnapshot(g *gateway.Gateway) metricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sessions := g.SessionCount()
	return metricsSnapshot{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Tunnel:     g.Metrics().Map(),
		Transports: g.TransportCount(),
		Sessions:   sessions,
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
		Srv: buildServerLimits(uint64(sessions)),
	}
}

func dumpMetrics(g *gateway.Gateway, format string) {
	snap := takeSnapshot(g)
	switch format {
	case "json":
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
	default:
		logging.Infof("%s", formatText(snap))
	}
}

func formatText(snap metricsSnapshot) string {
	t := snap.Tunnel
	var b strings.Builder
	b.WriteString("metrics: ts=" + snap.Timestamp)
	b.WriteString(" | links: open=" + strconv.Itoa(snap.Transports))
	b.WriteString(" up=" + u(t["links_opened"]) + " down=" + u(t["links_closed"]))
	b.WriteString(" | sessions: live=" + strconv.Itoa(snap.Sessions))
	b.WriteString(" ok=" + u(t["sessions_opened"]) + " closed=" + u(t["sessions_closed"]))
	b.WriteString(" failed=" + u(t["sessions_failed"]) + " rejected=" + u(t["sessions_rejected"]))
	b.WriteString(" | frames: sent=" + u(t["frames_sent"]) + "/" + sizestr.ToString(int64(t["bytes_sent"])))
	b.WriteString(" recv=" + u(t["frames_recv"]) + "/" + sizestr.ToString(int64(t["bytes_recv"])))
	b.WriteString(" proto_err=" + u(t["protocol_errors"]) + " dropped=" + u(t["dropped_frames"]))
	b.WriteString(" | srv: fds=" + u(snap.Srv["open_fds"]) + "/" + u(snap.Srv["nofile_soft"]))
	b.WriteString(" eph=" + u(snap.Srv["eph_used_est"]) + "/" + u(snap.Srv["eph_size"]))
	b.WriteString(" | rt: heap=" + sizestr.ToString(int64(snap.RT["heap_alloc"])))
	b.WriteString(" gor=" + u(snap.RT["goroutines"]) + " gc=" + u(snap.RT["num_gc"]))
	return b.String()
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

// buildServerLimits collects best-effort limits that cap how many broker
// sockets the gateway can hold.
func buildServerLimits(brokerConns uint64) map[string]uint64 {
	out := map[string]uint64{}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = uint64(rl.Cur)
		out["nofile_hard"] = uint64(rl.Max)
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
		if soft := out["nofile_soft"]; soft > 0 {
			out["fd_util_pct"] = out["open_fds"] * 100 / soft
		}
	}
	if low, high, ok := readPortRange("/proc/sys/net/ipv4/ip_local_port_range"); ok && high > low {
		size := high - low + 1
		out["eph_low"] = low
		out["eph_high"] = high
		out["eph_size"] = size
		out["eph_used_est"] = brokerConns
		out["eph_util_pct"] = brokerConns * 100 / size
	}
	return out
}

func readPortRange(path string) (low, high uint64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	f := strings.Fields(string(b))
	if len(f) < 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseUint(f[0], 10, 64)
	hi, err2 := strconv.ParseUint(f[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
