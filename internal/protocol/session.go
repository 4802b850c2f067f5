// Package protocol implements the RX63N/RX631 boot-mode programming
// protocol: frame codec, command executor, session state machine, and
// page builder described by the boot-mode engine's design.
package protocol

import (
	"fmt"
	"time"

	"rx63nprog/internal/transport"
)

// Logger is the diagnostic sink the session logs through. It matches
// github.com/charmbracelet/log's *Logger method set so callers can
// pass one directly; nil is valid and discards everything.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(interface{}, ...interface{}) {}
func (nopLogger) Info(interface{}, ...interface{})  {}
func (nopLogger) Error(interface{}, ...interface{}) {}

// State is one step of the session's strict linear handshake.
type State int

const (
	Uninitialised State = iota
	BaudMatched
	DeviceSelected
	ClockModeSelected
	RatesQueried
	BitRateSet
	BitRateConfirmed
	ProgrammingActive
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case BaudMatched:
		return "baud_matched"
	case DeviceSelected:
		return "device_selected"
	case ClockModeSelected:
		return "clock_mode_selected"
	case RatesQueried:
		return "rates_queried"
	case BitRateSet:
		return "bit_rate_set"
	case BitRateConfirmed:
		return "bit_rate_confirmed"
	case ProgrammingActive:
		return "programming_active"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Device is a single device descriptor returned by the
// supported-device inquiry.
type Device struct {
	Code [4]byte
	Name string
}

// ClockType is the per-clock (system, peripheral) ratio and frequency
// envelope reported by the device.
type ClockType struct {
	Ratios []int8
	MinHz  uint32
	MaxHz  uint32
}

// BitRateParams are the values the caller supplies to the new-bit-rate
// selection step.
type BitRateParams struct {
	BitRate         int
	InputFreqHz     uint32
	SystemRatio     int8
	PeripheralRatio int8
}

// DefaultBitRateParams are the engine's hardcoded defaults: 115200
// bps against a 12MHz input clock with an 8/4 system/peripheral
// multiplier ratio.
var DefaultBitRateParams = BitRateParams{
	BitRate:         115200,
	InputFreqHz:     12_000_000,
	SystemRatio:     8,
	PeripheralRatio: 4,
}

// Session drives the fixed linear handshake over a transport. It owns
// the transport exclusively for its lifetime and owns the device,
// clock-mode, and clock-type lists it accumulates, released on
// Close regardless of success or failure.
type Session struct {
	exec *executor
	t    transport.Transport
	log  Logger

	state State

	devices    []Device
	clockModes []byte
	clockTypes []ClockType
	hasRatios  bool
	hasFreqs   bool
}

// NewSession creates a session over t. A nil logger discards all
// diagnostic output.
func NewSession(t transport.Transport, logger Logger) *Session {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Session{exec: newExecutor(t), t: t, log: logger, state: Uninitialised}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Devices returns the device list parsed by the supported-device
// inquiry, or nil before it has run.
func (s *Session) Devices() []Device { return s.devices }

// ClockModes returns the clock-mode list parsed by the clock-mode
// inquiry, or nil before it has run.
func (s *Session) ClockModes() []byte { return s.clockModes }

// ClockTypes returns the per-clock ratio/frequency descriptors
// accumulated by the ratio and frequency inquiries.
func (s *Session) ClockTypes() []ClockType { return s.clockTypes }

// Close releases the session's owned lists. It does not close the
// underlying transport, which the caller owns.
func (s *Session) Close() {
	s.devices = nil
	s.clockModes = nil
	s.clockTypes = nil
}

func (s *Session) fail(err error) error {
	s.state = Failed
	return err
}

func (s *Session) requireState(want State) error {
	if s.state != want {
		return s.fail(newErr(KindProtocolOrder, fmt.Errorf("expected state %s, session is in state %s", want, s.state)))
	}
	return nil
}

// MatchBitRates runs the auto-baud handshake: probe with 0x00 up to
// 30 times until the device echoes it, then send 0x55 and require
// 0xe6 back.
func (s *Session) MatchBitRates() error {
	if err := s.requireState(Uninitialised); err != nil {
		return err
	}

	const maxAttempts = 30
	matched := false
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s.log.Debug("auto-baud probe", "attempt", attempt+1)
		r, err := s.exec.execute(encodeShort(cmdInitialTransmit), expectShortOK, 0, transport.AutoBaudProbeDeadline)
		if err != nil {
			lastErr = err
			continue
		}
		if r.tag != replyInitialTransmitOK {
			return s.fail(newErr(KindProtocolFraming, fmt.Errorf("auto-baud: unexpected reply 0x%02x", r.tag)))
		}
		matched = true
		break
	}
	if !matched {
		if lastErr == nil {
			lastErr = newErr(KindTransportTimeout, fmt.Errorf("auto-baud: no response after %d attempts", maxAttempts))
		}
		return s.fail(lastErr)
	}
	s.log.Info("automatic adjustment ok")

	r, err := s.exec.execute(encodeShort(cmdBitRateInit), expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if r.tag != replyBitRateInitOK {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("bit-rate init: unexpected reply 0x%02x", r.tag)))
	}

	s.state = BaudMatched
	return nil
}

// InquireDevices runs the supported-device inquiry (command 0x20).
func (s *Session) InquireDevices() ([]Device, error) {
	if err := s.requireState(BaudMatched); err != nil {
		return nil, err
	}

	r, err := s.exec.execute(encodeShort(cmdSupportedDeviceInquiry), expectFramedPayload, 0, transport.DefaultReadDeadline)
	if err != nil {
		return nil, s.fail(err)
	}
	if r.tag != replyDeviceInquiryOK {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("device inquiry: unexpected tag 0x%02x", r.tag)))
	}

	payload := r.payload
	if len(payload) < 1 {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("device inquiry: empty payload")))
	}
	count := int(payload[0])
	devices := make([]Device, 0, count)
	idx := 1
	for i := 0; i < count; i++ {
		if idx >= len(payload) {
			return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("device inquiry: truncated record %d", i)))
		}
		recLen := int(payload[idx])
		if recLen < 4 || idx+1+recLen > len(payload) {
			return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("device inquiry: invalid record length %d", recLen)))
		}
		var code [4]byte
		copy(code[:], payload[idx+1:idx+5])
		// name length is recLen minus the 4-byte code field
		name := string(payload[idx+5 : idx+1+recLen])
		devices = append(devices, Device{Code: code, Name: name})
		idx += 1 + recLen
	}

	s.devices = devices
	return devices, nil
}

// SelectDevice sends device selection (command 0x10) for devices[index].
func (s *Session) SelectDevice(index int) error {
	if err := s.requireState(BaudMatched); err != nil {
		return err
	}
	if index < 0 || index >= len(s.devices) {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("device index %d out of range", index)))
	}

	req := encodeRequest(cmdDeviceSelection, s.devices[index].Code[:])
	r, err := s.exec.execute(req, expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if r.tag != replyGenericOK {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("device selection: unexpected reply 0x%02x", r.tag)))
	}

	s.state = DeviceSelected
	return nil
}

// InquireClockModes runs the clock-mode inquiry (command 0x21).
func (s *Session) InquireClockModes() ([]byte, error) {
	if err := s.requireState(DeviceSelected); err != nil {
		return nil, err
	}

	r, err := s.exec.execute(encodeShort(cmdClockModeInquiry), expectFramedPayload, 0, transport.DefaultReadDeadline)
	if err != nil {
		return nil, s.fail(err)
	}
	if r.tag != replyClockModeInquiryOK {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("clock-mode inquiry: unexpected tag 0x%02x", r.tag)))
	}
	if len(r.payload) < 1 {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("clock-mode inquiry: empty payload")))
	}
	count := int(r.payload[0])
	if len(r.payload) < 1+count {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("clock-mode inquiry: truncated payload")))
	}
	modes := append([]byte(nil), r.payload[1:1+count]...)
	s.clockModes = modes
	return modes, nil
}

// SelectClockMode sends clock-mode selection (command 0x11) for
// clockModes[index].
func (s *Session) SelectClockMode(index int) error {
	if err := s.requireState(DeviceSelected); err != nil {
		return err
	}
	if index < 0 || index >= len(s.clockModes) {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("clock mode index %d out of range", index)))
	}

	req := encodeRequest(cmdClockModeSelection, []byte{s.clockModes[index]})
	r, err := s.exec.execute(req, expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if r.tag != replyGenericOK {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("clock mode selection: unexpected reply 0x%02x", r.tag)))
	}

	s.state = ClockModeSelected
	return nil
}

// InquireMultiplicationRatios runs the multiplication-ratio inquiry
// (command 0x22), populating the Ratios field of each ClockType.
func (s *Session) InquireMultiplicationRatios() ([]ClockType, error) {
	if err := s.requireState(ClockModeSelected); err != nil {
		return nil, err
	}

	r, err := s.exec.execute(encodeShort(cmdMultiplicationRatioInquiry), expectFramedPayload, 0, transport.DefaultReadDeadline)
	if err != nil {
		return nil, s.fail(err)
	}
	if r.tag != replyRatioInquiryOK {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("ratio inquiry: unexpected tag 0x%02x", r.tag)))
	}
	if len(r.payload) < 1 {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("ratio inquiry: empty payload")))
	}
	numTypes := int(r.payload[0])
	s.ensureClockTypes(numTypes)

	idx := 1
	for i := 0; i < numTypes; i++ {
		if idx >= len(r.payload) {
			return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("ratio inquiry: truncated clock type %d", i)))
		}
		n := int(r.payload[idx])
		idx++
		if n <= 0 || idx+n > len(r.payload) {
			return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("ratio inquiry: invalid ratio count %d", n)))
		}
		ratios := make([]int8, n)
		for j := 0; j < n; j++ {
			ratios[j] = int8(r.payload[idx+j])
		}
		s.clockTypes[i].Ratios = ratios
		idx += n
	}

	s.hasRatios = true
	return s.clockTypes, nil
}

// InquireOperatingFrequencies runs the operating-frequency inquiry
// (command 0x23), populating the MinHz/MaxHz fields of each ClockType.
func (s *Session) InquireOperatingFrequencies() ([]ClockType, error) {
	if err := s.requireState(ClockModeSelected); err != nil {
		return nil, err
	}
	if !s.hasRatios {
		return nil, s.fail(newErr(KindProtocolOrder, fmt.Errorf("operating frequency inquiry requires multiplication ratio inquiry first")))
	}

	r, err := s.exec.execute(encodeShort(cmdOperatingFrequencyInquiry), expectFramedPayload, 0, transport.DefaultReadDeadline)
	if err != nil {
		return nil, s.fail(err)
	}
	if r.tag != replyFrequencyInquiryOK {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("frequency inquiry: unexpected tag 0x%02x", r.tag)))
	}
	if len(r.payload) < 1 {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("frequency inquiry: empty payload")))
	}
	numTypes := int(r.payload[0])
	if s.hasRatios && numTypes != len(s.clockTypes) {
		return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("frequency inquiry: clock type count %d disagrees with ratio inquiry's %d", numTypes, len(s.clockTypes))))
	}
	s.ensureClockTypes(numTypes)

	idx := 1
	for i := 0; i < numTypes; i++ {
		if idx+4 > len(r.payload) {
			return nil, s.fail(newErr(KindProtocolFraming, fmt.Errorf("frequency inquiry: truncated clock type %d", i)))
		}
		minHz := uint32(r.payload[idx])<<8 | uint32(r.payload[idx+1])
		maxHz := uint32(r.payload[idx+2])<<8 | uint32(r.payload[idx+3])
		s.clockTypes[i].MinHz = minHz * 10000
		s.clockTypes[i].MaxHz = maxHz * 10000
		idx += 4
	}

	s.hasFreqs = true
	s.state = RatesQueried
	return s.clockTypes, nil
}

func (s *Session) ensureClockTypes(n int) {
	if len(s.clockTypes) == n {
		return
	}
	grown := make([]ClockType, n)
	copy(grown, s.clockTypes)
	s.clockTypes = grown
}

// SetBitRate runs new-bit-rate selection (command 0x3f). On success
// it sleeps 25ms, reconfigures the transport to params.BitRate, then
// sends the bit-rate confirmation (command 0x06) and requires 0x06
// back. Both the sleep and the transport reconfigure happen before
// any byte of the confirmation is sent.
func (s *Session) SetBitRate(params BitRateParams) error {
	if err := s.requireState(RatesQueried); err != nil {
		return err
	}
	if !transport.Supports(params.BitRate) {
		return s.fail(newErr(KindConfigUnsupported, fmt.Errorf("bit rate %d not supported by host", params.BitRate)))
	}

	inputBitRate := uint16(params.BitRate / 100)
	inputFreq := uint16(params.InputFreqHz / 10000)
	payload := []byte{
		byte(inputBitRate >> 8), byte(inputBitRate),
		byte(inputFreq >> 8), byte(inputFreq),
		2, // clock_count, always fixed at 2: system, peripheral
		byte(params.SystemRatio),
		byte(params.PeripheralRatio),
	}
	req := encodeRequest(cmdNewBitRateSelection, payload)

	r, err := s.exec.execute(req, expectShortOKOrErrorPair, replyGenericOK, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if !r.ok {
		s.log.Error("new bit rate selection failed", "reason", deviceErrorReason(PhaseNewBitRateSelection, r.code))
		return s.fail(newDeviceErr(PhaseNewBitRateSelection, r.code))
	}

	time.Sleep(25 * time.Millisecond)
	if err := s.t.SetLineRate(params.BitRate); err != nil {
		return s.fail(newErr(KindTransportIO, err))
	}
	s.state = BitRateSet

	cr, err := s.exec.execute(encodeShort(cmdNewBitRateConfirmation), expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if cr.tag != replyGenericOK {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("bit-rate confirmation: unexpected reply 0x%02x", cr.tag)))
	}

	s.state = BitRateConfirmed
	return nil
}

// EnterProgrammingState runs the programming/erasure state transition
// (command 0x40), using the 1-second read deadline the device needs
// before replying.
func (s *Session) EnterProgrammingState() error {
	if err := s.requireState(BitRateConfirmed); err != nil {
		return err
	}

	r, err := s.exec.execute(encodeShort(cmdProgrammingStateTransition), expectShortOK, 0, transport.ProgrammingStateDeadline)
	if err != nil {
		return s.fail(err)
	}
	switch r.tag {
	case replyProgrammingStateOK:
		s.state = ProgrammingActive
		return nil
	case replyIDCodeProtected:
		return s.fail(&Error{Kind: KindIDCodeProtectionUnsupported, Phase: PhaseProgrammingState})
	default:
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("programming state transition: unexpected reply 0x%02x", r.tag)))
	}
}

// ProgramRegions selects the user/data area programming mode (command
// 0x43), emits one 256-byte page command per page produced by the
// page builder over regions, then terminates (a final 0x50 with
// address 0xffffffff and no data payload).
func (s *Session) ProgramRegions(regions []Region) error {
	if err := s.requireState(ProgrammingActive); err != nil {
		return err
	}

	r, err := s.exec.execute(encodeShort(cmdUserDataAreaSelection), expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return s.fail(err)
	}
	if r.tag != replyGenericOK {
		return s.fail(newErr(KindProtocolFraming, fmt.Errorf("user/data area selection: unexpected reply 0x%02x", r.tag)))
	}

	pageErr := buildPages(regions, func(address uint32, data []byte) error {
		return s.programPage(address, data)
	})
	if pageErr != nil {
		return s.fail(pageErr)
	}

	if err := s.terminateProgramming(); err != nil {
		return s.fail(err)
	}

	s.state = Terminated
	return nil
}

func (s *Session) programPage(address uint32, data []byte) error {
	payload := make([]byte, 0, 4+len(data))
	payload = append(payload,
		byte(address>>24), byte(address>>16), byte(address>>8), byte(address))
	payload = append(payload, data...)
	req := encodeFixedFrame(cmd256ByteProgramming, payload)

	s.log.Debug("programming page", "address", fmt.Sprintf("0x%08x", address))
	r, err := s.exec.execute(req, expectShortOKOrErrorPair, replyGenericOK, transport.DefaultReadDeadline)
	if err != nil {
		return err
	}
	if !r.ok {
		s.log.Error("page programming failed", "address", fmt.Sprintf("0x%08x", address), "reason", deviceErrorReason(PhasePageProgramming, r.code))
		return newDeviceErr(PhasePageProgramming, r.code)
	}
	return nil
}

func (s *Session) terminateProgramming() error {
	req := encodeFixedFrame(cmd256ByteProgramming, []byte{0xff, 0xff, 0xff, 0xff})
	r, err := s.exec.execute(req, expectShortOK, 0, transport.DefaultReadDeadline)
	if err != nil {
		return err
	}
	if r.tag != replyGenericOK {
		return newErr(KindProtocolFraming, fmt.Errorf("terminate programming: unexpected reply 0x%02x", r.tag))
	}
	return nil
}
