package rtcpu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSize is the fixed size of every mailbox frame.
const FrameSize = 64

// HeaderSize is the size of the common frame header.
const HeaderSize = 8

// NoProgram marks a combined image-processor request that carries no program.
const NoProgram uint32 = 0xFFFFFFFF

// SetupFlagResetBarrier in SetupRequest.Flags announces that the host sends a
// reset barrier on the capture stream ahead of every reset request.
const SetupFlagResetBarrier uint32 = 1 << 31

// Frame is one raw mailbox message.
type Frame [FrameSize]byte

// Kind identifies the message carried in a frame.
type Kind uint32

// Capture stream kinds.
const (
	KindCaptureRequest      Kind = 0x01
	KindCaptureStatus       Kind = 0x02
	KindCaptureResetBarrier Kind = 0x03
	KindISPRequest          Kind = 0x04
	KindISPStatus           Kind = 0x05
	KindISPProgramRequest   Kind = 0x06
	KindISPProgramStatus    Kind = 0x07
	KindISPResetBarrier     Kind = 0x08
	KindISPExStatus         Kind = 0x09
)

// Control stream kinds. Each response kind is its request kind plus one.
const (
	KindChannelSetupReq    Kind = 0x10
	KindChannelSetupResp   Kind = 0x11
	KindChannelResetReq    Kind = 0x12
	KindChannelResetResp   Kind = 0x13
	KindChannelReleaseReq  Kind = 0x14
	KindChannelReleaseResp Kind = 0x15
	KindISPSetupReq        Kind = 0x20
	KindISPSetupResp       Kind = 0x21
	KindISPResetReq        Kind = 0x22
	KindISPResetResp       Kind = 0x23
	KindISPReleaseReq      Kind = 0x24
	KindISPReleaseResp     Kind = 0x25
)

var kindNames = map[Kind]string{
	KindCaptureRequest:      "capture-request",
	KindCaptureStatus:       "capture-status",
	KindCaptureResetBarrier: "capture-reset-barrier",
	KindISPRequest:          "isp-request",
	KindISPStatus:           "isp-status",
	KindISPProgramRequest:   "isp-program-request",
	KindISPProgramStatus:    "isp-program-status",
	KindISPResetBarrier:     "isp-reset-barrier",
	KindISPExStatus:         "isp-ex-status",
	KindChannelSetupReq:     "channel-setup-req",
	KindChannelSetupResp:    "channel-setup-resp",
	KindChannelResetReq:     "channel-reset-req",
	KindChannelResetResp:    "channel-reset-resp",
	KindChannelReleaseReq:   "channel-release-req",
	KindChannelReleaseResp:  "channel-release-resp",
	KindISPSetupReq:         "isp-setup-req",
	KindISPSetupResp:        "isp-setup-resp",
	KindISPResetReq:         "isp-reset-req",
	KindISPResetResp:        "isp-reset-resp",
	KindISPReleaseReq:       "isp-release-req",
	KindISPReleaseResp:      "isp-release-resp",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", uint32(k))
}

// Response returns the response kind expected for a control request kind.
func (k Kind) Response() Kind {
	return k + 1
}

// Errors returned by Decode.
var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrShortFrame  = errors.New("frame shorter than header")
)

// Header is the common prefix of every frame.
//
//	offset 0  kind  uint32
//	offset 4  id    uint32  channel id or transaction id
type Header struct {
	Kind Kind
	ID   uint32
}

// ReadHeader decodes only the header of a frame.
func ReadHeader(f *Frame) Header {
	return Header{
		Kind: Kind(binary.LittleEndian.Uint32(f[0:4])),
		ID:   binary.LittleEndian.Uint32(f[4:8]),
	}
}

func (h Header) put(f *Frame) {
	binary.LittleEndian.PutUint32(f[0:4], uint32(h.Kind))
	binary.LittleEndian.PutUint32(f[4:8], h.ID)
}

// Message is implemented by every typed frame payload.
type Message interface {
	Header() Header
	encode(f *Frame)
}

// Encode serializes a typed message into a frame.
func Encode(m Message) Frame {
	var f Frame
	m.Header().put(&f)
	m.encode(&f)
	return f
}

// SetupRequest asks the firmware to allocate a channel.
//
//	offset  8  queue depth          uint32
//	offset 12  request size         uint32
//	offset 16  request ring IOVA    uint64
//	offset 24  progress counter id  uint32
//	offset 28  stats counter id     uint32
//	offset 32  program queue depth  uint32
//	offset 36  program size         uint32
//	offset 40  program ring IOVA    uint64
//	offset 48  channel flags        uint32
//	offset 52  stream               uint32
//	offset 56  virtual channel      uint32
type SetupRequest struct {
	Kind              Kind
	TransactionID     uint32
	QueueDepth        uint32
	RequestSize       uint32
	RingIOVA          uint64
	ProgressCounter   uint32
	StatsCounter      uint32
	ProgramQueueDepth uint32
	ProgramSize       uint32
	ProgramRingIOVA   uint64
	Flags             uint32
	Stream            uint32
	VirtualChannel    uint32
}

func (m *SetupRequest) Header() Header { return Header{Kind: m.Kind, ID: m.TransactionID} }

func (m *SetupRequest) encode(f *Frame) {
	le := binary.LittleEndian
	le.PutUint32(f[8:12], m.QueueDepth)
	le.PutUint32(f[12:16], m.RequestSize)
	le.PutUint64(f[16:24], m.RingIOVA)
	le.PutUint32(f[24:28], m.ProgressCounter)
	le.PutUint32(f[28:32], m.StatsCounter)
	le.PutUint32(f[32:36], m.ProgramQueueDepth)
	le.PutUint32(f[36:40], m.ProgramSize)
	le.PutUint64(f[40:48], m.ProgramRingIOVA)
	le.PutUint32(f[48:52], m.Flags)
	le.PutUint32(f[52:56], m.Stream)
	le.PutUint32(f[56:60], m.VirtualChannel)
}

func (m *SetupRequest) decode(h Header, f *Frame) {
	le := binary.LittleEndian
	m.Kind = h.Kind
	m.TransactionID = h.ID
	m.QueueDepth = le.Uint32(f[8:12])
	m.RequestSize = le.Uint32(f[12:16])
	m.RingIOVA = le.Uint64(f[16:24])
	m.ProgressCounter = le.Uint32(f[24:28])
	m.StatsCounter = le.Uint32(f[28:32])
	m.ProgramQueueDepth = le.Uint32(f[32:36])
	m.ProgramSize = le.Uint32(f[36:40])
	m.ProgramRingIOVA = le.Uint64(f[40:48])
	m.Flags = le.Uint32(f[48:52])
	m.Stream = le.Uint32(f[52:56])
	m.VirtualChannel = le.Uint32(f[56:60])
}

// SetupResponse carries the firmware-assigned channel id.
//
//	offset  8  result      uint32
//	offset 12  channel id  uint32
type SetupResponse struct {
	Kind          Kind
	TransactionID uint32
	Result        Result
	ChannelID     uint32
}

func (m *SetupResponse) Header() Header { return Header{Kind: m.Kind, ID: m.TransactionID} }

func (m *SetupResponse) encode(f *Frame) {
	binary.LittleEndian.PutUint32(f[8:12], uint32(m.Result))
	binary.LittleEndian.PutUint32(f[12:16], m.ChannelID)
}

func (m *SetupResponse) decode(h Header, f *Frame) {
	m.Kind = h.Kind
	m.TransactionID = h.ID
	m.Result = Result(binary.LittleEndian.Uint32(f[8:12]))
	m.ChannelID = binary.LittleEndian.Uint32(f[12:16])
}

// ControlRequest is a channel-scoped reset or release request.
//
//	offset 8  flags  uint32
type ControlRequest struct {
	Kind      Kind
	ChannelID uint32
	Flags     uint32
}

func (m *ControlRequest) Header() Header { return Header{Kind: m.Kind, ID: m.ChannelID} }

func (m *ControlRequest) encode(f *Frame) {
	binary.LittleEndian.PutUint32(f[8:12], m.Flags)
}

func (m *ControlRequest) decode(h Header, f *Frame) {
	m.Kind = h.Kind
	m.ChannelID = h.ID
	m.Flags = binary.LittleEndian.Uint32(f[8:12])
}

// ControlResponse answers a reset or release request. Reset responses also
// report the progress and stats counter values the firmware reached.
//
//	offset  8  result          uint32
//	offset 12  progress value  uint32
//	offset 16  stats value     uint32
type ControlResponse struct {
	Kind          Kind
	ChannelID     uint32
	Result        Result
	ProgressValue uint32
	StatsValue    uint32
}

func (m *ControlResponse) Header() Header { return Header{Kind: m.Kind, ID: m.ChannelID} }

func (m *ControlResponse) encode(f *Frame) {
	le := binary.LittleEndian
	le.PutUint32(f[8:12], uint32(m.Result))
	le.PutUint32(f[12:16], m.ProgressValue)
	le.PutUint32(f[16:20], m.StatsValue)
}

func (m *ControlResponse) decode(h Header, f *Frame) {
	le := binary.LittleEndian
	m.Kind = h.Kind
	m.ChannelID = h.ID
	m.Result = Result(le.Uint32(f[8:12]))
	m.ProgressValue = le.Uint32(f[12:16])
	m.StatsValue = le.Uint32(f[16:20])
}

// SlotMessage is a capture-stream frame naming request slots: capture
// requests, program requests, reset barriers and all status indications.
// Single-slot kinds leave ProgramSlot as NoProgram.
//
//	offset  8  slot          uint32
//	offset 12  program slot  uint32
type SlotMessage struct {
	Kind        Kind
	ChannelID   uint32
	Slot        uint32
	ProgramSlot uint32
}

func (m *SlotMessage) Header() Header { return Header{Kind: m.Kind, ID: m.ChannelID} }

func (m *SlotMessage) encode(f *Frame) {
	binary.LittleEndian.PutUint32(f[8:12], m.Slot)
	binary.LittleEndian.PutUint32(f[12:16], m.ProgramSlot)
}

func (m *SlotMessage) decode(h Header, f *Frame) {
	m.Kind = h.Kind
	m.ChannelID = h.ID
	m.Slot = binary.LittleEndian.Uint32(f[8:12])
	m.ProgramSlot = binary.LittleEndian.Uint32(f[12:16])
}

// Decode parses a frame into its typed message.
func Decode(f Frame) (Message, error) {
	h := ReadHeader(&f)
	switch h.Kind {
	case KindChannelSetupReq, KindISPSetupReq:
		m := &SetupRequest{}
		m.decode(h, &f)
		return m, nil
	case KindChannelSetupResp, KindISPSetupResp:
		m := &SetupResponse{}
		m.decode(h, &f)
		return m, nil
	case KindChannelResetReq, KindChannelReleaseReq, KindISPResetReq, KindISPReleaseReq:
		m := &ControlRequest{}
		m.decode(h, &f)
		return m, nil
	case KindChannelResetResp, KindChannelReleaseResp, KindISPResetResp, KindISPReleaseResp:
		m := &ControlResponse{}
		m.decode(h, &f)
		return m, nil
	case KindCaptureRequest, KindCaptureStatus, KindCaptureResetBarrier,
		KindISPRequest, KindISPStatus, KindISPProgramRequest, KindISPProgramStatus,
		KindISPResetBarrier, KindISPExStatus:
		m := &SlotMessage{}
		m.decode(h, &f)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, h.Kind)
	}
}

// DecodeBytes copies raw bytes into a frame and decodes it.
func DecodeBytes(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	var f Frame
	copy(f[:], b)
	return Decode(f)
}
