package sync

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/notesync/internal/models"
)

// Remote is the note API the repository and worker replay against.
// notes.Service satisfies it.
type Remote interface {
	ListNotes(ctx context.Context) ([]models.Note, error)
	CreateNote(ctx context.Context, req models.NoteRequest) (models.Note, error)
	UpdateNote(ctx context.Context, id int64, req models.NoteRequest) (models.Note, error)
	DeleteNote(ctx context.Context, id int64) error
}

// Connectivity gates worker passes.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// NetProbe reports the API host reachable when a TCP dial succeeds.
type NetProbe struct {
	address string
	dialer  net.Dialer
}

// NewNetProbe builds a probe for the host of baseURL.
func NewNetProbe(baseURL string, timeout time.Duration) (*NetProbe, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: base url %q has no host", models.ErrInvalidConfig, baseURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	return &NetProbe{
		address: net.JoinHostPort(u.Hostname(), port),
		dialer:  net.Dialer{Timeout: timeout},
	}, nil
}

// Address returns the dialed host:port.
func (p *NetProbe) Address() string {
	return p.address
}

// Online dials the API host.
func (p *NetProbe) Online(ctx context.Context) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// StaticConnectivity is a switchable Connectivity for tests and for
// callers that manage reachability themselves.
type StaticConnectivity struct {
	online atomic.Bool
}

// NewStaticConnectivity returns a switch set to online.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	c := &StaticConnectivity{}
	c.online.Store(online)
	return c
}

// Set flips the switch.
func (c *StaticConnectivity) Set(online bool) {
	c.online.Store(online)
}

// Online reports the current setting.
func (c *StaticConnectivity) Online(context.Context) bool {
	return c.online.Load()
}
