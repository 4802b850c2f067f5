package protocol

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rx63nprog/internal/transport"
)

// exchange is one scripted write/read step a fakeTransport replays in
// order. A timeout step consumes the write and answers the next Read
// with transport.ErrTimeout, then moves on to the following step,
// simulating a device that never replies to a probe.
type exchange struct {
	want     []byte
	reply    []byte
	timeout  bool
	maxChunk int // 0 means unlimited; >0 forces fragmented reads
}

// fakeTransport is a faithful device simulator: it asserts each
// Write matches the next scripted exchange and answers Read calls
// from that exchange's reply, one scripted step at a time, mirroring
// how a real boot-mode device responds to exactly one command before
// the next is sent.
type fakeTransport struct {
	t       *testing.T
	steps   []exchange
	pos     int
	pending []byte
	rates   []int
}

func newFakeTransport(t *testing.T, steps []exchange) *fakeTransport {
	return &fakeTransport{t: t, steps: steps}
}

func (f *fakeTransport) Write(b []byte) error {
	f.t.Helper()
	if f.pos >= len(f.steps) {
		return fmt.Errorf("fakeTransport: unexpected write % x, no steps remain", b)
	}
	step := f.steps[f.pos]
	if !bytes.Equal(step.want, b) {
		return fmt.Errorf("fakeTransport: write mismatch at step %d: want % x got % x", f.pos, step.want, b)
	}
	if step.timeout {
		f.pending = nil
	} else {
		f.pending = append([]byte(nil), step.reply...)
	}
	return nil
}

func (f *fakeTransport) Read(buf []byte, deadline time.Duration) (int, error) {
	if f.pos >= len(f.steps) {
		return 0, fmt.Errorf("fakeTransport: read with no steps remaining")
	}
	step := f.steps[f.pos]
	if step.timeout {
		f.pos++
		return 0, transport.ErrTimeout
	}
	if len(f.pending) == 0 {
		return 0, fmt.Errorf("fakeTransport: read with no reply queued at step %d", f.pos)
	}
	n := len(buf)
	if step.maxChunk > 0 && n > step.maxChunk {
		n = step.maxChunk
	}
	if n > len(f.pending) {
		n = len(f.pending)
	}
	copy(buf, f.pending[:n])
	f.pending = f.pending[n:]
	if len(f.pending) == 0 {
		f.pos++
	}
	return n, nil
}

func (f *fakeTransport) SetLineRate(bps int) error {
	f.rates = append(f.rates, bps)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestAutoBaudHappyPath(t *testing.T) {
	ft := newFakeTransport(t, []exchange{
		{want: []byte{0x00}, reply: []byte{0x00}},
		{want: []byte{0x55}, reply: []byte{0xe6}},
	})
	s := NewSession(ft, nil)

	require.NoError(t, s.MatchBitRates())
	assert.Equal(t, BaudMatched, s.State())
	assert.Equal(t, len(ft.steps), ft.pos)
}

func TestAutoBaudRetry(t *testing.T) {
	steps := []exchange{
		{want: []byte{0x00}, timeout: true},
		{want: []byte{0x00}, timeout: true},
		{want: []byte{0x00}, timeout: true},
		{want: []byte{0x00}, timeout: true},
		{want: []byte{0x00}, timeout: true},
		{want: []byte{0x00}, reply: []byte{0x00}},
		{want: []byte{0x55}, reply: []byte{0xe6}},
	}
	ft := newFakeTransport(t, steps)
	s := NewSession(ft, nil)

	require.NoError(t, s.MatchBitRates())
	assert.Equal(t, BaudMatched, s.State())
	assert.Equal(t, 7, ft.pos, "expected 6 auto-baud probes plus the 0x55 handshake")
}

func TestAutoBaudExhaustsRetryBudget(t *testing.T) {
	steps := make([]exchange, 30)
	for i := range steps {
		steps[i] = exchange{want: []byte{0x00}, timeout: true}
	}
	ft := newFakeTransport(t, steps)
	s := NewSession(ft, nil)

	err := s.MatchBitRates()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTransportTimeout, perr.Kind)
	assert.Equal(t, Failed, s.State())
}

func matchedSession(t *testing.T, extra []exchange) (*Session, *fakeTransport) {
	t.Helper()
	steps := append([]exchange{
		{want: []byte{0x00}, reply: []byte{0x00}},
		{want: []byte{0x55}, reply: []byte{0xe6}},
	}, extra...)
	ft := newFakeTransport(t, steps)
	s := NewSession(ft, nil)
	require.NoError(t, s.MatchBitRates())
	return s, ft
}

func TestDeviceInquiryParse(t *testing.T) {
	// A device record's name length is the record length byte minus
	// the 4-byte code field. recLen=5 here means 1 name byte, not 5 —
	// the record carries only "N".
	payload := []byte{0x01, 0x05, 0x30, 0x31, 0x32, 0x33, 'N'}
	reply := append([]byte{0x30, byte(len(payload))}, payload...)
	reply = append(reply, checksum(reply))

	s, ft := matchedSession(t, []exchange{
		{want: []byte{0x20}, reply: reply, maxChunk: 1},
	})

	devices, err := s.InquireDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, [4]byte{0x30, 0x31, 0x32, 0x33}, devices[0].Code)
	assert.Equal(t, "N", devices[0].Name)
	assert.Equal(t, len(ft.steps), ft.pos)
}

func TestBitRateSelectionSuccessReconfiguresTransport(t *testing.T) {
	payload := []byte{0x04, 0x80, 0x04, 0xb0, 0x02, 0x08, 0x04}
	wantReq := encodeRequest(cmdNewBitRateSelection, payload)

	s, ft := matchedSession(t, nil)

	// Fast-forward through the steps SetBitRate requires to be in
	// RatesQueried without re-deriving the intermediate wire traffic
	// in every test: exercise the state directly since this test's
	// focus is the bit-rate step's side effects.
	s.state = RatesQueried

	ft.steps = append(ft.steps,
		exchange{want: wantReq, reply: []byte{0x06}},
		exchange{want: []byte{0x06}, reply: []byte{0x06}},
	)

	err := s.SetBitRate(BitRateParams{BitRate: 115200, InputFreqHz: 12_000_000, SystemRatio: 8, PeripheralRatio: 4})
	require.NoError(t, err)
	assert.Equal(t, BitRateConfirmed, s.State())
	assert.Equal(t, []int{115200}, ft.rates)
}

func TestBitRateSelectionDeviceError(t *testing.T) {
	payload := []byte{0x04, 0x80, 0x04, 0xb0, 0x02, 0x08, 0x04}
	wantReq := encodeRequest(cmdNewBitRateSelection, payload)

	s, ft := matchedSession(t, nil)
	s.state = RatesQueried
	ft.steps = append(ft.steps, exchange{want: wantReq, reply: []byte{0xbf, 0x24}})

	err := s.SetBitRate(BitRateParams{BitRate: 115200, InputFreqHz: 12_000_000, SystemRatio: 8, PeripheralRatio: 4})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindDeviceError, perr.Kind)
	assert.Equal(t, PhaseNewBitRateSelection, perr.Phase)
	assert.Equal(t, byte(0x24), perr.Code)
	assert.Empty(t, ft.rates, "transport must not be reconfigured on a device error")
}

func TestProgramRegionsAlignedThenTerminate(t *testing.T) {
	s, ft := matchedSession(t, nil)
	s.state = ProgrammingActive

	data := bytes.Repeat([]byte{0xaa}, 512)
	page1 := encodeFixedFrame(cmd256ByteProgramming, append([]byte{0x00, 0x00, 0x10, 0x00}, data[:256]...))
	page2 := encodeFixedFrame(cmd256ByteProgramming, append([]byte{0x00, 0x00, 0x11, 0x00}, data[256:]...))
	term := encodeFixedFrame(cmd256ByteProgramming, []byte{0xff, 0xff, 0xff, 0xff})

	ft.steps = append(ft.steps,
		exchange{want: []byte{0x43}, reply: []byte{0x06}},
		exchange{want: page1, reply: []byte{0x06}},
		exchange{want: page2, reply: []byte{0x06}},
		exchange{want: term, reply: []byte{0x06}},
	)

	err := s.ProgramRegions([]Region{{BaseAddress: 0x1000, Data: data}})
	require.NoError(t, err)
	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, len(ft.steps), ft.pos)
}

func TestProgrammingStateIDCodeProtected(t *testing.T) {
	s, ft := matchedSession(t, nil)
	s.state = BitRateConfirmed
	ft.steps = append(ft.steps, exchange{want: []byte{0x40}, reply: []byte{0x16}})

	err := s.EnterProgrammingState()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindIDCodeProtectionUnsupported, perr.Kind)
	assert.Equal(t, Failed, s.State())
}

func TestOutOfOrderCommandFails(t *testing.T) {
	ft := newFakeTransport(t, nil)
	s := NewSession(ft, nil)

	_, err := s.InquireDevices()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindProtocolOrder, perr.Kind)
}
