package encoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// ProcessFunc receives each position sample with its arrival time.
type ProcessFunc func(value uint32, at time.Time)

// FailureFunc receives poll errors. The poller keeps running; the hook
// exists so the owner can count or surface failures.
type FailureFunc func(err error)

// Config describes one encoder endpoint.
type Config struct {
	// Host and Port locate the EtherNet/IP server.
	Host string
	Port int

	// Path selects the polled attribute. Zero value means the default
	// position attribute.
	Path CIPPath

	// Interval is the polling cadence.
	Interval time.Duration

	// Timeout bounds each network exchange.
	Timeout time.Duration
}

// Poller drives the poll loop for one encoder. It owns the TCP session
// and re-registers it with backoff after failures.
type Poller struct {
	cfg Config

	conn    net.Conn
	session uint32

	// disconnectLogged keeps transient failures to one log line per
	// state change.
	disconnectLogged bool
}

// New builds a poller. Zero config fields get defaults.
func New(cfg Config) *Poller {
	if cfg.Path == (CIPPath{}) {
		cfg.Path = DefaultPositionPath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Poller{cfg: cfg}
}

// Run polls until the context is cancelled. Each successful sample is
// handed to process; each failed exchange is handed to failure and the
// session is re-established with exponential backoff.
func (p *Poller) Run(ctx context.Context, process ProcessFunc, failure FailureFunc) {
	limiter := rate.NewLimiter(rate.Every(p.cfg.Interval), 1)

	backoff := p.cfg.Interval
	maxBackoff := 5 * time.Second

	for {
		if err := limiter.Wait(ctx); err != nil {
			p.close()
			return
		}

		value, err := p.poll(ctx)
		if err != nil {
			if failure != nil {
				failure(err)
			}
			if !p.disconnectLogged {
				log.Printf("encoder: poll %s failed: %v", p.endpoint(), err)
				p.disconnectLogged = true
			}
			p.close()

			// Back off before the next session attempt so a dead
			// encoder does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		if p.disconnectLogged {
			log.Printf("encoder: poll %s recovered", p.endpoint())
		}
		p.disconnectLogged = false
		backoff = p.cfg.Interval

		process(value, time.Now())
	}
}

func (p *Poller) endpoint() string {
	return fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
}

// poll performs one Get_Attribute_Single exchange, establishing the
// session first when needed.
func (p *Poller) poll(ctx context.Context) (uint32, error) {
	if p.conn == nil {
		if err := p.connect(ctx); err != nil {
			return 0, err
		}
	}

	deadline := time.Now().Add(p.cfg.Timeout)
	p.conn.SetDeadline(deadline)

	if _, err := p.conn.Write(getAttributeFrame(p.session, p.cfg.Path)); err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}

	payload, err := p.readFrame()
	if err != nil {
		return 0, err
	}

	data, err := parseAttributeResponse(payload)
	if err != nil {
		return 0, err
	}

	return parseDINT(data)
}

// connect dials the encoder and registers an encapsulation session.
func (p *Poller) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.endpoint())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	if _, err := conn.Write(registerSessionFrame()); err != nil {
		conn.Close()
		return fmt.Errorf("register session: %w", err)
	}

	p.conn = conn
	h, _, err := p.readFrameHeader()
	if err != nil {
		p.close()
		return fmt.Errorf("register session reply: %w", err)
	}
	if h.Status != 0 {
		p.close()
		return fmt.Errorf("register session rejected: status 0x%08X", h.Status)
	}

	p.session = h.SessionHandle
	return nil
}

// readFrame reads one encapsulation frame and returns its payload after
// checking the status word.
func (p *Poller) readFrame() ([]byte, error) {
	h, payload, err := p.readFrameHeader()
	if err != nil {
		return nil, err
	}
	if h.Status != 0 {
		return nil, fmt.Errorf("encapsulation status 0x%08X", h.Status)
	}
	return payload, nil
}

func (p *Poller) readFrameHeader() (header, []byte, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(p.conn, raw); err != nil {
		return header{}, nil, fmt.Errorf("read header: %w", err)
	}

	h, err := decodeHeader(raw)
	if err != nil {
		return header{}, nil, err
	}

	length := binary.LittleEndian.Uint16(raw[2:4])
	payload := make([]byte, length)
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		return header{}, nil, fmt.Errorf("read payload: %w", err)
	}

	return h, payload, nil
}

func (p *Poller) close() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.session = 0
}
