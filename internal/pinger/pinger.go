// Package pinger drives the echo request/reply cycle against one
// destination: send, wait for the matching reply or a timeout, report, and
// pace the next request.
package pinger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/sryze/ping/internal/inet"
	"github.com/sryze/ping/internal/logging"
	"github.com/sryze/ping/internal/packet"
	"github.com/sryze/ping/internal/transport"
)

const (
	DefaultTimeout  = 1000 * time.Millisecond
	DefaultInterval = 1000 * time.Millisecond
	DefaultPollWait = 100 * time.Millisecond
)

// Outcome is the terminal state of one request cycle.
type Outcome int

const (
	Matched Outcome = iota + 1
	TimedOut
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed out"
	case TransportError:
		return "transport error"
	default:
		return "unknown"
	}
}

// Result describes how a cycle ended. Delay is measured from the cycle
// start to the moment the outcome was decided.
type Result struct {
	Outcome      Outcome
	Seq          uint16
	Delay        time.Duration
	Verification packet.Verification
	Err          error
}

type sleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	// Count stops the session after that many requests. Zero runs until
	// the context is cancelled.
	Count int
	// ID overrides the identifier derived from the process id when
	// non-zero.
	ID uint16
	// PollWait bounds a single readiness wait while awaiting a reply.
	PollWait time.Duration
	// Source is the local address used for the IPv6 pseudo-header when
	// the transport does not report the address a reply arrived on.
	Source netip.Addr

	Now       func() time.Time
	Sleep     sleepFunc
	Logger    *slog.Logger
	LogWriter io.Writer // optional CSV probe log
}

// Session owns the socket and the identifier/sequence state for one run.
type Session struct {
	conn   transport.Conn
	dst    inet.Destination
	src    netip.Addr
	id     uint16
	seq    uint16
	buf    []byte
	report *Reporter
	logger *slog.Logger

	timeout  time.Duration
	interval time.Duration
	count    int
	pollWait time.Duration
	now      func() time.Time
	sleep    sleepFunc
}

func NewSession(conn transport.Conn, dst inet.Destination, out, errOut io.Writer) *Session {
	return NewSessionWithOptions(conn, dst, out, errOut, Options{})
}

func NewSessionWithOptions(conn transport.Conn, dst inet.Destination, out, errOut io.Writer, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	id := opts.ID
	if id == 0 {
		id = uint16(os.Getpid() & 0xffff)
	}
	src := opts.Source
	if !src.IsValid() && dst.Family == inet.V6 {
		src = netip.IPv6Loopback()
	}

	s := &Session{
		conn:     conn,
		dst:      dst,
		src:      src,
		id:       id,
		buf:      make([]byte, transport.MaxDatagram),
		report:   NewReporter(dst, out, errOut, opts.LogWriter, now),
		logger:   logger.With(logging.KeyComponent, "pinger", logging.KeyAddress, dst.String()),
		timeout:  orDefault(opts.Timeout, DefaultTimeout),
		interval: orDefault(opts.Interval, DefaultInterval),
		count:    opts.Count,
		pollWait: orDefault(opts.PollWait, DefaultPollWait),
		now:      now,
		sleep:    sleep,
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ID returns the session identifier carried by every request.
func (s *Session) ID() uint16 { return s.id }

// Seq returns the sequence number of the next request.
func (s *Session) Seq() uint16 { return s.seq }

// Run repeats request cycles until Count is reached, a send fails or ctx
// is cancelled. A send failure is returned as is.
func (s *Session) Run(ctx context.Context) error {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.Cycle(ctx)
		if err != nil {
			return err
		}
		if s.count > 0 && n >= s.count {
			return nil
		}
		if rest := s.interval - res.Delay; rest > 0 {
			s.logger.Debug("waiting for next request", logging.KeyDuration, rest)
			if err := s.sleep(ctx, rest); err != nil {
				return err
			}
		}
	}
}

// Cycle sends one request and waits for its reply. Receive errors and
// timeouts are reported and end the cycle normally; the sequence advances
// in every case except a send failure or cancellation.
func (s *Session) Cycle(ctx context.Context) (Result, error) {
	seq := s.seq
	req := packet.BuildEchoRequest(s.dst.Family, s.id, seq, s.src, s.dst.Addr)

	start := s.now()
	if _, err := s.conn.Send(req, s.dst); err != nil {
		return Result{}, err
	}
	s.report.Sent()

	res, err := s.await(ctx, seq, start)
	if err != nil {
		return Result{}, err
	}

	switch res.Outcome {
	case Matched:
		s.report.Reply(seq, res.Delay, res.Verification)
	case TimedOut:
		s.report.Timeout(seq)
	case TransportError:
		s.report.ReceiveError(seq, res.Err)
	}
	s.seq++
	return res, nil
}

func (s *Session) await(ctx context.Context, seq uint16, start time.Time) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		wait := s.timeout - s.now().Sub(start)
		if wait > s.pollWait {
			wait = s.pollWait
		}
		d, err := s.conn.Receive(s.buf, wait)
		delay := s.now().Sub(start)

		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				return Result{Outcome: TransportError, Seq: seq, Delay: delay, Err: err}, nil
			}
		} else if reply, ok := s.match(s.buf[:d.N], seq); ok {
			v := packet.VerifyChecksum(reply, s.dst.Family, s.dst.Addr, s.localAddr(d))
			return Result{Outcome: Matched, Seq: seq, Delay: delay, Verification: v}, nil
		}

		if delay >= s.timeout {
			return Result{Outcome: TimedOut, Seq: seq, Delay: delay}, nil
		}
	}
}

// match reports whether b is the echo reply to the outstanding request.
func (s *Session) match(b []byte, seq uint16) (packet.EchoReply, bool) {
	reply, err := packet.ParseEchoReply(b, s.dst.Family)
	if err != nil {
		s.logger.Debug("discarding datagram", logging.KeyError, err)
		return packet.EchoReply{}, false
	}
	if reply.ID != s.id || reply.Seq != seq {
		s.logger.Debug("discarding unrelated echo reply",
			"id", reply.ID, "seq", reply.Seq, "want_seq", seq)
		return packet.EchoReply{}, false
	}
	return reply, true
}

func (s *Session) localAddr(d transport.Datagram) netip.Addr {
	if d.Dst.IsValid() {
		return d.Dst
	}
	return s.src
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
