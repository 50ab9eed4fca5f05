package util

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts relay connections and traffic. The zero value is ready to use.
type Stats struct {
	TotalConns  atomic.Int64 // cumulative connections since process start
	ClosedConns atomic.Int64 // cumulative closed connections since process start
	Messages    atomic.Int64 // cumulative messages routed
	BytesIn     atomic.Int64 // cumulative bytes read from clients
	BytesOut    atomic.Int64 // cumulative bytes written to clients
}

func (s *Stats) AddConn()     { s.TotalConns.Add(1) }
func (s *Stats) RemoveConn()  { s.ClosedConns.Add(1) }
func (s *Stats) AddMessage()  { s.Messages.Add(1) }
func (s *Stats) AddIn(n int)  { s.BytesIn.Add(int64(n)) }
func (s *Stats) AddOut(n int) { s.BytesOut.Add(int64(n)) }

func (s *Stats) ActiveConns() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StatsInterval is how often the reporter samples the counters.
const StatsInterval = 10 * time.Second

// RunStatsReporter logs relay statistics every StatsInterval whenever
// something changed. rooms reports the live room count. It returns when ctx
// is cancelled.
func RunStatsReporter(ctx context.Context, s *Stats, rooms func() int) {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()

	var prev sample
	for {
		select {
		case <-ticker.C:
			cur := takeSample(s, rooms())
			if cur.changedFrom(prev) {
				slog.Info(formatStats(cur, prev),
					slog.Int64("conns", cur.active),
					slog.Int("rooms", cur.rooms),
					slog.Int64("messages", cur.messages))
			}
			prev = cur

		case <-ctx.Done():
			return
		}
	}
}

type sample struct {
	active, messages, in, out int64
	rooms                     int
}

func takeSample(s *Stats, rooms int) sample {
	return sample{
		active:   s.ActiveConns(),
		messages: s.Messages.Load(),
		in:       s.BytesIn.Load(),
		out:      s.BytesOut.Load(),
		rooms:    rooms,
	}
}

func (cur sample) changedFrom(prev sample) bool {
	return cur.active != prev.active || cur.rooms != prev.rooms || cur.messages != prev.messages
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders per-second throughput since the previous sample.
func formatStats(cur, prev sample) string {
	secs := StatsInterval.Seconds()
	return fmt.Sprintf("In: %s/s | Out: %s/s | Msgs: %4d | Conns: %3d | Rooms: %3d",
		formatBytes(float64(cur.in-prev.in)/secs),
		formatBytes(float64(cur.out-prev.out)/secs),
		cur.messages-prev.messages,
		cur.active,
		cur.rooms,
	)
}
