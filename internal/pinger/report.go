package pinger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sryze/ping/internal/inet"
	"github.com/sryze/ping/internal/packet"
)

// LogHeader is the first line of a CSV probe log.
const LogHeader = "Timestamp,Host,IP,Seq,Status,RTT(ms),Error\n"

// Reporter writes the per-cycle result lines and, when a log writer is
// set, one CSV row per cycle.
type Reporter struct {
	dst    inet.Destination
	out    io.Writer
	errOut io.Writer
	log    io.Writer
	now    func() time.Time
}

func NewReporter(dst inet.Destination, out, errOut, log io.Writer, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{dst: dst, out: out, errOut: errOut, log: log, now: now}
}

func (r *Reporter) Sent() {
	fmt.Fprintf(r.out, "Sent ICMP echo request to %s\n", r.dst)
}

func (r *Reporter) Reply(seq uint16, delay time.Duration, v packet.Verification) {
	fmt.Fprintf(r.out, "Received ICMP echo reply from %s: seq=%d, time=%.3f ms%s\n",
		r.dst, seq, millis(delay), v)
	if v.OK() {
		r.row(seq, "OK", delay, "")
	} else {
		r.row(seq, "BadChecksum", delay, fmt.Sprintf("%04x != %04x", v.Computed, v.Stored))
	}
}

func (r *Reporter) Timeout(seq uint16) {
	fmt.Fprintln(r.out, "Request timed out")
	r.row(seq, "Timeout", 0, "Request timed out")
}

func (r *Reporter) ReceiveError(seq uint16, err error) {
	fmt.Fprintln(r.errOut, err)
	r.row(seq, "RecvError", 0, err.Error())
}

func (r *Reporter) row(seq uint16, status string, rtt time.Duration, errMsg string) {
	if r.log == nil {
		return
	}
	w := csv.NewWriter(r.log)
	_ = w.Write([]string{
		r.now().Format(time.RFC3339Nano),
		r.dst.Host,
		r.dst.String(),
		strconv.Itoa(int(seq)),
		status,
		strconv.FormatFloat(millis(rtt), 'f', 3, 64),
		errMsg,
	})
	w.Flush()
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
