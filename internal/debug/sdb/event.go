package sdb

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Event is a single notification raised by the debuggee. Which of the
// optional fields are set depends on Kind.
type Event struct {
	Kind      EventKind
	RequestID int32

	// Thread is the thread the event happened on.
	Thread Handle

	// SuspendPolicy is copied from the event set the event arrived in.
	SuspendPolicy SuspendPolicy

	// Subject is the domain, assembly, type or exception object the event
	// refers to.
	Subject Handle

	// Method and ILOffset locate breakpoint, step and method entry/exit events.
	Method   Handle
	ILOffset int64

	// ExitCode is set for VM death.
	ExitCode int32

	// Level, Category and Message are set for user log events.
	Level    int32
	Category string
	Message  string

	// Err is the shutdown cause of a Disconnected event; nil after a local close.
	Err error
}

// EventSet is a composite event packet. The debuggee suspends according to
// Policy before sending it.
type EventSet struct {
	Policy SuspendPolicy
	Events []Event
}

func (*EventSet) message() {}

// DecodeEventSet decodes the payload of an Event.Composite packet.
func DecodeEventSet(data []byte) (*EventSet, error) {
	r := NewReader(data)
	set := &EventSet{Policy: SuspendPolicy(r.Uint8())}

	count := r.Int32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if count < 0 || int(count) > r.Remaining() {
		return nil, &ProtocolDecodeError{Op: "event set", Err: errors.Errorf("bad event count %d", count)}
	}

	set.Events = make([]Event, 0, count)
	for i := 0; i < int(count); i++ {
		ev := Event{
			Kind:          EventKind(r.Uint8()),
			RequestID:     r.Int32(),
			Thread:        r.Handle(),
			SuspendPolicy: set.Policy,
		}
		readEventBody(r, &ev)
		if r.Err() != nil {
			return nil, r.Err()
		}
		set.Events = append(set.Events, ev)
	}

	if r.Remaining() != 0 {
		return nil, &ProtocolDecodeError{Op: "event set", Err: errors.Errorf("%d trailing bytes", r.Remaining())}
	}
	return set, nil
}

func readEventBody(r *Reader, ev *Event) {
	switch ev.Kind {
	case EventVMStart, EventAppDomainCreate, EventAppDomainUnload,
		EventAssemblyLoad, EventAssemblyUnload, EventTypeLoad, EventException:
		ev.Subject = r.Handle()
	case EventVMDeath:
		ev.ExitCode = r.Int32()
	case EventThreadStart, EventThreadDeath, EventKeepAlive, EventUserBreak,
		EventVMSuspend, EventVMResume:
	case EventMethodEntry, EventMethodExit:
		ev.Method = r.Handle()
	case EventBreakpoint, EventStep:
		ev.Method = r.Handle()
		ev.ILOffset = r.Int64()
	case EventUserLog:
		ev.Level = r.Int32()
		ev.Category = r.String()
		ev.Message = r.String()
	default:
		r.Fail("event", errors.Errorf("unknown event kind %d", uint8(ev.Kind)))
	}
}

func writeEventBody(w *Writer, ev Event) {
	switch ev.Kind {
	case EventVMStart, EventAppDomainCreate, EventAppDomainUnload,
		EventAssemblyLoad, EventAssemblyUnload, EventTypeLoad, EventException:
		w.Handle(ev.Subject)
	case EventVMDeath:
		w.Int32(ev.ExitCode)
	case EventMethodEntry, EventMethodExit:
		w.Handle(ev.Method)
	case EventBreakpoint, EventStep:
		w.Handle(ev.Method)
		w.Int64(ev.ILOffset)
	case EventUserLog:
		w.Int32(ev.Level)
		w.String(ev.Category)
		w.String(ev.Message)
	}
}

// EncodeEventSet frames an event set as the debuggee sends it. Used by test
// doubles.
func EncodeEventSet(id uint32, set *EventSet) []byte {
	w := NewWriter()
	w.Uint8(uint8(set.Policy))
	w.Int32(int32(len(set.Events)))
	for _, ev := range set.Events {
		w.Uint8(uint8(ev.Kind))
		w.Int32(ev.RequestID)
		w.Handle(ev.Thread)
		writeEventBody(w, ev)
	}

	data := w.Bytes()
	buf := make([]byte, HeaderSize, HeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(data)))
	binary.BigEndian.PutUint32(buf[4:8], id)
	buf[9] = uint8(CmdSetEvent)
	buf[10] = uint8(CmdEventComposite)
	return append(buf, data...)
}
