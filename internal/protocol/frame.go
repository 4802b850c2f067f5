package protocol

// Command bytes for the RX63N/RX631 boot-mode protocol.
const (
	cmdInitialTransmit            = 0x00
	cmdBitRateInit                = 0x55
	cmdSupportedDeviceInquiry     = 0x20
	cmdDeviceSelection            = 0x10
	cmdClockModeInquiry           = 0x21
	cmdClockModeSelection         = 0x11
	cmdMultiplicationRatioInquiry = 0x22
	cmdOperatingFrequencyInquiry  = 0x23
	cmdNewBitRateSelection        = 0x3f
	cmdNewBitRateConfirmation     = 0x06
	cmdProgrammingStateTransition = 0x40
	cmdUserDataAreaSelection      = 0x43
	cmd256ByteProgramming         = 0x50
)

// Reply tags.
const (
	replyInitialTransmitOK  = 0x00
	replyGenericOK          = 0x06
	replyDeviceInquiryOK    = 0x30
	replyClockModeInquiryOK = 0x31
	replyRatioInquiryOK     = 0x32
	replyFrequencyInquiryOK = 0x33
	replyBitRateInitOK      = 0xe6
	replyProgrammingStateOK = 0x26
	replyIDCodeProtected    = 0x16
)

// checksum computes the additive two's-complement checksum the wire
// protocol uses: the sum of all bytes, including the checksum byte
// itself, is zero mod 256. checksum(nil) == 0.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return byte(-int(sum) & 0xff)
}

// verifyChecksum reports whether data, including its trailing
// checksum byte, balances to zero mod 256.
func verifyChecksum(data []byte) bool {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum == 0
}

// encodeShort builds the wire form of an unframed single-byte command.
func encodeShort(cmd byte) []byte {
	return []byte{cmd}
}

// encodeRequest builds a framed request: cmd, len, payload, checksum.
func encodeRequest(cmd byte, payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload)+1)
	out = append(out, cmd, byte(len(payload)))
	out = append(out, payload...)
	out = append(out, checksum(out))
	return out
}

// encodeFixedFrame builds the 256-byte-programming command's wire
// form: cmd, payload, checksum — with no length byte. This command's
// payload size is always implicit (4 address bytes plus either 256
// data bytes or, for the terminate call, nothing), so the device
// doesn't need one.
func encodeFixedFrame(cmd byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload)+1)
	out = append(out, cmd)
	out = append(out, payload...)
	out = append(out, checksum(out))
	return out
}

// expectation describes the wire shape of a command's reply, so the
// executor's read loop has no overlapping cases.
type expectation int

const (
	// expectShortOK is a single reply byte that IS the result.
	expectShortOK expectation = iota
	// expectFramedPayload is tag, len, len bytes of payload, checksum.
	expectFramedPayload
	// expectShortOKOrErrorPair is one success byte, or a [tag, code] error pair.
	expectShortOKOrErrorPair
)

// maxFramedReply is the documented hard upper bound on a framed
// reply's wire size: a 255-byte length field, its payload, the tag
// byte, and the checksum byte.
const maxFramedReply = 255 + 3
