// Package remotetest provides scripted in-memory doubles for remote.Dialer.
package remotetest

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/remote"
)

// Response is what a scripted command returns. Block keeps the command
// running until its channel is closed.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool
}

// Invocation records one executed command.
type Invocation struct {
	Command string
	Stdin   string
}

type rule struct {
	match     string
	responses []Response
	calls     int
}

// Device is the scripted state shared by every session opened on it.
type Device struct {
	mu            sync.Mutex
	rules         []*rule
	invocations   []Invocation
	files         map[string][]byte
	fileModes     map[string]os.FileMode
	writeErr      map[string]error
	channelsOpen  int
	channelCloses int
}

// NewDevice returns a device on which every command succeeds with no output.
func NewDevice() *Device {
	return &Device{
		files:     map[string][]byte{},
		fileModes: map[string]os.FileMode{},
		writeErr:  map[string]error{},
	}
}

// On scripts commands containing match. With several responses they are
// returned in order and the last one repeats. Later rules win.
func (d *Device) On(match string, responses ...Response) *Device {
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	d.mu.Lock()
	d.rules = append(d.rules, &rule{match: match, responses: responses})
	d.mu.Unlock()
	return d
}

// FailWrite makes WriteFile to path return err.
func (d *Device) FailWrite(path string, err error) *Device {
	d.mu.Lock()
	d.writeErr[path] = err
	d.mu.Unlock()
	return d
}

func (d *Device) respond(command, stdin string) Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invocations = append(d.invocations, Invocation{Command: command, Stdin: stdin})
	for i := len(d.rules) - 1; i >= 0; i-- {
		r := d.rules[i]
		if !strings.Contains(command, r.match) {
			continue
		}
		idx := r.calls
		if idx >= len(r.responses) {
			idx = len(r.responses) - 1
		}
		r.calls++
		return r.responses[idx]
	}
	return Response{}
}

// Invocations returns every executed command in order.
func (d *Device) Invocations() []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Invocation(nil), d.invocations...)
}

// Ran reports how many executed commands contained substr.
func (d *Device) Ran(substr string) int {
	n := 0
	for _, inv := range d.Invocations() {
		if strings.Contains(inv.Command, substr) {
			n++
		}
	}
	return n
}

// File returns a written file.
func (d *Device) File(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	return data, ok
}

// FileMode returns the permission a file was written with.
func (d *Device) FileMode(path string) os.FileMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fileModes[path]
}

// ChannelCloses counts closed channels.
func (d *Device) ChannelCloses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelCloses
}

// ChannelsOpened counts opened channels.
func (d *Device) ChannelsOpened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelsOpen
}

// Dialer is a scripted remote.Dialer.
type Dialer struct {
	Device *Device

	mu sync.Mutex
	// ProbeResults are consumed in order; when exhausted probes succeed.
	ProbeResults []bool
	// DialErrors are consumed in order; when exhausted dials succeed.
	DialErrors []error
	probes     int
	dials      int
	sessions   []*Session
}

// NewDialer returns a dialer whose sessions run on device.
func NewDialer(device *Device) *Dialer {
	return &Dialer{Device: device}
}

func (d *Dialer) Probe(_ context.Context, _ string, _ int, _ time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.probes
	d.probes++
	if idx < len(d.ProbeResults) {
		return d.ProbeResults[idx]
	}
	return true
}

func (d *Dialer) Dial(_ context.Context, _ remote.Target) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dials
	d.dials++
	if idx < len(d.DialErrors) && d.DialErrors[idx] != nil {
		return nil, d.DialErrors[idx]
	}
	s := &Session{device: d.Device}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Dials counts Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Probes counts Probe calls.
func (d *Dialer) Probes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probes
}

// Sessions returns the sessions opened so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Session is a scripted remote.Session.
type Session struct {
	device *Device

	mu     sync.Mutex
	closes int
}

func (s *Session) NewChannel() (remote.Channel, error) {
	s.device.mu.Lock()
	s.device.channelsOpen++
	s.device.mu.Unlock()
	return &Channel{device: s.device, closed: make(chan struct{})}, nil
}

func (s *Session) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	if err := s.device.writeErr[path]; err != nil {
		return err
	}
	s.device.files[path] = append([]byte(nil), data...)
	s.device.fileModes[path] = perm
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Closes counts Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Channel is a scripted remote.Channel.
type Channel struct {
	device *Device
	once   sync.Once
	closed chan struct{}
}

func (c *Channel) Run(command string, stdin io.Reader, stdout, stderr io.Writer) error {
	var in string
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		in = string(data)
	}
	resp := c.device.respond(command, in)
	if resp.Block {
		<-c.closed
		return io.EOF
	}
	if resp.Err != nil {
		return resp.Err
	}
	_, _ = io.WriteString(stdout, resp.Stdout)
	_, _ = io.WriteString(stderr, resp.Stderr)
	if resp.ExitCode != 0 {
		return &remote.ExitError{Command: command, Code: resp.ExitCode}
	}
	return nil
}

func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.device.mu.Lock()
		c.device.channelCloses++
		c.device.mu.Unlock()
	})
	return nil
}
