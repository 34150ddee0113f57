package model

import "time"

// MsgStatus is the message-level status bitset (§3.2).
type MsgStatus uint8

const (
	// Recent means the driver reported this message as newly arrived.
	Recent MsgStatus = 1 << iota
	// Dead means the message was expunged from the live set but is kept
	// in-memory as a tombstone for this run.
	Dead
	// FlagsFetched means Message.Flags reflects a real fetch, not a zero value.
	FlagsFetched
	// TimeFetched means Message.Time reflects a real fetch.
	TimeFetched
)

// TUIDLen is the fixed length of an injected tracking tag.
const TUIDLen = 12

// Message represents one message as reported by a driver (§3.2).
type Message struct {
	UID    int32
	Size   uint
	Flags  Flags
	Status MsgStatus
	Time   time.Time

	// TUID is the engine's injected tracking id, empty until a copy sets it.
	TUID string

	// Srec is a non-owning link to the sync record that claims this
	// message, or nil if unpaired.
	Srec *SyncRecord
}

func (m *Message) HasTUID() bool { return len(m.TUID) == TUIDLen }
