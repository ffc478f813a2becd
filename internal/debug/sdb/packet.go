package sdb

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Command is a request addressed to the debuggee.
type Command struct {
	Set  CommandSet
	ID   CommandID
	Data []byte
}

// NewCommand builds a command whose payload is produced by fill. A nil fill
// yields an empty payload.
func NewCommand(set CommandSet, id CommandID, fill func(w *Writer)) Command {
	cmd := Command{Set: set, ID: id}
	if fill != nil {
		w := NewWriter()
		fill(w)
		cmd.Data = w.Bytes()
	}
	return cmd
}

// String returns the command name.
func (c Command) String() string {
	return CommandName(c.Set, c.ID)
}

// Packet is a framed unit on the wire.
type Packet struct {
	ID    uint32
	Flags uint8

	// Set and Cmd are only meaningful for command packets.
	Set CommandSet
	Cmd CommandID

	// Code is only meaningful for reply packets.
	Code ErrorCode

	Data []byte
}

// IsReply reports whether the packet is a reply.
func (p *Packet) IsReply() bool {
	return p.Flags&flagReply != 0
}

// Message is a decoded incoming packet: either a *Reply or an *EventSet.
type Message interface {
	message()
}

// Reply answers the request with the same ID.
type Reply struct {
	ID   uint32
	Code ErrorCode
	Data []byte
}

func (*Reply) message() {}

// Reader returns a payload reader over the reply data.
func (r *Reply) Reader() *Reader {
	return NewReader(r.Data)
}

// Encode frames a command packet with the given id.
func Encode(id uint32, cmd Command) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(cmd.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(cmd.Data)))
	binary.BigEndian.PutUint32(buf[4:8], id)
	buf[8] = 0
	buf[9] = uint8(cmd.Set)
	buf[10] = uint8(cmd.ID)
	return append(buf, cmd.Data...)
}

// EncodeReply frames a reply packet. The client never sends replies; this is
// the debuggee side of the framing, used by test doubles.
func EncodeReply(id uint32, code ErrorCode, data []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(data)))
	binary.BigEndian.PutUint32(buf[4:8], id)
	buf[8] = flagReply
	binary.BigEndian.PutUint16(buf[9:11], uint16(code))
	return append(buf, data...)
}

// ReadPacket reads one framed packet. Stream failures are returned as-is;
// a malformed header yields a *ProtocolDecodeError.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if length < HeaderSize || length > MaxPacketSize {
		return nil, &ProtocolDecodeError{
			Op:  "packet header",
			Err: errors.Errorf("length %d outside [%d, %d]", length, HeaderSize, MaxPacketSize),
		}
	}

	p := &Packet{
		ID:    binary.BigEndian.Uint32(hdr[4:8]),
		Flags: hdr[8],
	}
	if p.IsReply() {
		p.Code = ErrorCode(binary.BigEndian.Uint16(hdr[9:11]))
	} else {
		p.Set = CommandSet(hdr[9])
		p.Cmd = CommandID(hdr[10])
	}

	p.Data = make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &ProtocolDecodeError{Op: "packet body", Err: errors.Wrapf(err, "packet %d", p.ID)}
	}

	return p, nil
}

// DecodeMessage interprets a packet received from the debuggee.
func DecodeMessage(p *Packet) (Message, error) {
	if p.IsReply() {
		return &Reply{ID: p.ID, Code: p.Code, Data: p.Data}, nil
	}
	if p.Set == CmdSetEvent && p.Cmd == CmdEventComposite {
		return DecodeEventSet(p.Data)
	}
	return nil, &ProtocolDecodeError{
		Op:  "message",
		Err: errors.Errorf("unexpected command %s from debuggee", CommandName(p.Set, p.Cmd)),
	}
}

// Decode reads and interprets the next message on r.
func Decode(r io.Reader) (Message, error) {
	p, err := ReadPacket(r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(p)
}
