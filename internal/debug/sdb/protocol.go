// Package sdb implements the client side of the soft-debugger wire protocol:
// packet framing, payload encoding, event decoding and a multiplexed
// connection that correlates replies with requests while delivering
// asynchronous events in arrival order.
package sdb

import "fmt"

// Handle is an opaque identifier the debuggee assigns to a remote entity.
// Handles are only meaningful within the connection that issued them and may
// be recycled by the debuggee once the entity they denoted is gone.
type Handle int64

// String formats the handle in hex, the way debuggee logs print them.
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", int64(h))
}

// Wire constants.
const (
	// HeaderSize is the size of every packet header in bytes.
	HeaderSize = 11

	// MaxPacketSize bounds the length field of an incoming packet (16MB).
	MaxPacketSize = 16 * 1024 * 1024

	// flagReply marks a packet as a reply.
	flagReply = 0x80

	handshakeMagic = "DWP-Handshake"
)

// CommandSet groups related commands.
type CommandSet uint8

// Command sets.
const (
	CmdSetVM         CommandSet = 1
	CmdSetObjectRef  CommandSet = 9
	CmdSetStringRef  CommandSet = 10
	CmdSetThread     CommandSet = 11
	CmdSetStackFrame CommandSet = 16
	CmdSetMethod     CommandSet = 22
	CmdSetType       CommandSet = 23
	CmdSetEvent      CommandSet = 64
)

// CommandID identifies a command within its set.
type CommandID uint8

// VM commands.
const (
	CmdVMVersion    CommandID = 1
	CmdVMAllThreads CommandID = 2
	CmdVMSuspend    CommandID = 3
	CmdVMResume     CommandID = 4
	CmdVMExit       CommandID = 5
	CmdVMDispose    CommandID = 6
)

// ObjectRef commands.
const (
	CmdObjectGetType     CommandID = 1
	CmdObjectIsCollected CommandID = 3
)

// StringRef commands.
const (
	CmdStringGetValue CommandID = 1
)

// Thread commands.
const (
	CmdThreadGetFrameInfo CommandID = 1
	CmdThreadGetName      CommandID = 2
	CmdThreadGetState     CommandID = 3
	CmdThreadGetInfo      CommandID = 4
	CmdThreadGetID        CommandID = 5
	CmdThreadGetTID       CommandID = 6
)

// StackFrame commands.
const (
	CmdFrameGetValues CommandID = 1
	CmdFrameGetThis   CommandID = 2
)

// Method commands.
const (
	CmdMethodGetName          CommandID = 1
	CmdMethodGetDeclaringType CommandID = 2
	CmdMethodGetInfo          CommandID = 6
)

// Type commands.
const (
	CmdTypeGetInfo CommandID = 1
)

// Event commands (debuggee to client).
const (
	CmdEventComposite CommandID = 100
)

var commandNames = map[CommandSet]struct {
	set  string
	cmds map[CommandID]string
}{
	CmdSetVM: {"VM", map[CommandID]string{
		CmdVMVersion: "Version", CmdVMAllThreads: "AllThreads", CmdVMSuspend: "Suspend",
		CmdVMResume: "Resume", CmdVMExit: "Exit", CmdVMDispose: "Dispose",
	}},
	CmdSetObjectRef: {"ObjectRef", map[CommandID]string{
		CmdObjectGetType: "GetType", CmdObjectIsCollected: "IsCollected",
	}},
	CmdSetStringRef: {"StringRef", map[CommandID]string{
		CmdStringGetValue: "GetValue",
	}},
	CmdSetThread: {"Thread", map[CommandID]string{
		CmdThreadGetFrameInfo: "GetFrameInfo", CmdThreadGetName: "GetName",
		CmdThreadGetState: "GetState", CmdThreadGetInfo: "GetInfo",
		CmdThreadGetID: "GetID", CmdThreadGetTID: "GetTID",
	}},
	CmdSetStackFrame: {"StackFrame", map[CommandID]string{
		CmdFrameGetValues: "GetValues", CmdFrameGetThis: "GetThis",
	}},
	CmdSetMethod: {"Method", map[CommandID]string{
		CmdMethodGetName: "GetName", CmdMethodGetDeclaringType: "GetDeclaringType",
		CmdMethodGetInfo: "GetInfo",
	}},
	CmdSetType: {"Type", map[CommandID]string{
		CmdTypeGetInfo: "GetInfo",
	}},
	CmdSetEvent: {"Event", map[CommandID]string{
		CmdEventComposite: "Composite",
	}},
}

// CommandName returns a readable "Set.Command" name.
func CommandName(set CommandSet, id CommandID) string {
	names, ok := commandNames[set]
	if !ok {
		return fmt.Sprintf("%d.%d", set, id)
	}
	if name, ok := names.cmds[id]; ok {
		return names.set + "." + name
	}
	return fmt.Sprintf("%s.%d", names.set, id)
}

// ErrorCode is the status carried by every reply packet.
type ErrorCode uint16

// Reply error codes.
const (
	ErrCodeNone              ErrorCode = 0
	ErrCodeInvalidObject     ErrorCode = 20
	ErrCodeInvalidFieldID    ErrorCode = 25
	ErrCodeInvalidFrameID    ErrorCode = 30
	ErrCodeNotImplemented    ErrorCode = 100
	ErrCodeNotSuspended      ErrorCode = 101
	ErrCodeInvalidArgument   ErrorCode = 102
	ErrCodeUnloaded          ErrorCode = 103
	ErrCodeNoInvocation      ErrorCode = 104
	ErrCodeAbsentInformation ErrorCode = 105
)

// String returns a readable name for the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeInvalidObject:
		return "invalid object"
	case ErrCodeInvalidFieldID:
		return "invalid field id"
	case ErrCodeInvalidFrameID:
		return "invalid frame id"
	case ErrCodeNotImplemented:
		return "not implemented"
	case ErrCodeNotSuspended:
		return "not suspended"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeUnloaded:
		return "unloaded"
	case ErrCodeNoInvocation:
		return "no invocation"
	case ErrCodeAbsentInformation:
		return "absent information"
	default:
		return fmt.Sprintf("error %d", uint16(c))
	}
}

// SuspendPolicy says what the debuggee suspended in order to deliver an event set.
type SuspendPolicy uint8

// Suspend policies.
const (
	SuspendPolicyNone        SuspendPolicy = 0
	SuspendPolicyEventThread SuspendPolicy = 1
	SuspendPolicyAll         SuspendPolicy = 2
)

// String returns the policy name.
func (p SuspendPolicy) String() string {
	switch p {
	case SuspendPolicyNone:
		return "none"
	case SuspendPolicyEventThread:
		return "event-thread"
	case SuspendPolicyAll:
		return "all"
	default:
		return "unknown"
	}
}

// EventKind identifies an event raised by the debuggee.
type EventKind uint8

// Event kinds.
const (
	EventVMStart         EventKind = 0
	EventVMDeath         EventKind = 1
	EventThreadStart     EventKind = 2
	EventThreadDeath     EventKind = 3
	EventAppDomainCreate EventKind = 4
	EventAppDomainUnload EventKind = 5
	EventMethodEntry     EventKind = 6
	EventMethodExit      EventKind = 7
	EventAssemblyLoad    EventKind = 8
	EventAssemblyUnload  EventKind = 9
	EventBreakpoint      EventKind = 10
	EventStep            EventKind = 11
	EventTypeLoad        EventKind = 12
	EventException       EventKind = 13
	EventKeepAlive       EventKind = 14
	EventUserBreak       EventKind = 15
	EventUserLog         EventKind = 16

	// EventVMSuspend and EventVMResume are sent by debuggees that announce
	// suspend and resume on their own. The client also synthesizes them when
	// its own VM.Suspend and VM.Resume commands succeed.
	EventVMSuspend EventKind = 0x20
	EventVMResume  EventKind = 0x21

	// EventDisconnected never appears on the wire. The connection queues it
	// exactly once when it shuts down.
	EventDisconnected EventKind = 0xff
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventVMStart:
		return "vm-start"
	case EventVMDeath:
		return "vm-death"
	case EventThreadStart:
		return "thread-start"
	case EventThreadDeath:
		return "thread-death"
	case EventAppDomainCreate:
		return "appdomain-create"
	case EventAppDomainUnload:
		return "appdomain-unload"
	case EventMethodEntry:
		return "method-entry"
	case EventMethodExit:
		return "method-exit"
	case EventAssemblyLoad:
		return "assembly-load"
	case EventAssemblyUnload:
		return "assembly-unload"
	case EventBreakpoint:
		return "breakpoint"
	case EventStep:
		return "step"
	case EventTypeLoad:
		return "type-load"
	case EventException:
		return "exception"
	case EventKeepAlive:
		return "keepalive"
	case EventUserBreak:
		return "user-break"
	case EventUserLog:
		return "user-log"
	case EventVMSuspend:
		return "vm-suspend"
	case EventVMResume:
		return "vm-resume"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Frame flags reported by Thread.GetFrameInfo.
const (
	FrameFlagDebuggerInvoke   uint8 = 1
	FrameFlagNativeTransition uint8 = 2
)
