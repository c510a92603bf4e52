package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/presence"
)

// MessageType define os tipos de mensagens trocadas entre pares e relay
type MessageType string

const (
	SyncStep1Type      MessageType = "SYNC_STEP1"
	SyncStep2Type      MessageType = "SYNC_STEP2"
	UpdateType         MessageType = "UPDATE"
	AwarenessType      MessageType = "AWARENESS"
	QueryAwarenessType MessageType = "QUERY_AWARENESS"
)

// ErrInvalidMessage is returned for frames that cannot be decoded.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the envelope of every frame on the wire.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	Type      MessageType     `json:"type"`
	Room      string          `json:"room"`
	SenderID  crdt.ClientID   `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncStep1Msg carries the sender's state vector.
type SyncStep1Msg struct {
	StateVector crdt.VectorClock `json:"state_vector"`
}

// SyncStep2Msg carries everything the receiver of a step 1 was missing.
type SyncStep2Msg struct {
	Update crdt.Update `json:"update"`
}

// UpdateMsg carries one committed transaction.
type UpdateMsg struct {
	Update crdt.Update `json:"update"`
}

// AwarenessMsg carries presence states.
type AwarenessMsg struct {
	Update presence.Update `json:"update"`
}

func newMessage(t MessageType, room string, sender crdt.ClientID, data interface{}) (Message, error) {
	msg := Message{
		ID:        uuid.New(),
		Type:      t,
		Room:      room,
		SenderID:  sender,
		Timestamp: getCurrentTimestamp(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// CreateSyncStep1Message cria uma mensagem SyncStep1
func CreateSyncStep1Message(room string, sender crdt.ClientID, sv crdt.VectorClock) Message {
	msg, _ := newMessage(SyncStep1Type, room, sender, SyncStep1Msg{StateVector: sv})
	return msg
}

// CreateSyncStep2Message cria uma mensagem SyncStep2
func CreateSyncStep2Message(room string, sender crdt.ClientID, u crdt.Update) Message {
	msg, _ := newMessage(SyncStep2Type, room, sender, SyncStep2Msg{Update: u})
	return msg
}

// CreateUpdateMessage cria uma mensagem Update
func CreateUpdateMessage(room string, sender crdt.ClientID, u crdt.Update) Message {
	msg, _ := newMessage(UpdateType, room, sender, UpdateMsg{Update: u})
	return msg
}

// CreateAwarenessMessage cria uma mensagem Awareness. Presence states are
// free-form, so encoding may fail.
func CreateAwarenessMessage(room string, sender crdt.ClientID, u presence.Update) (Message, error) {
	return newMessage(AwarenessType, room, sender, AwarenessMsg{Update: u})
}

// CreateQueryAwarenessMessage cria uma mensagem QueryAwareness
func CreateQueryAwarenessMessage(room string, sender crdt.ClientID) Message {
	msg, _ := newMessage(QueryAwarenessType, room, sender, nil)
	return msg
}

// ParseSyncStep1Message extrai dados de uma mensagem SyncStep1
func ParseSyncStep1Message(msg Message) (*SyncStep1Msg, bool) {
	if msg.Type != SyncStep1Type {
		return nil, false
	}
	var out SyncStep1Msg
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// ParseSyncStep2Message extrai dados de uma mensagem SyncStep2
func ParseSyncStep2Message(msg Message) (*SyncStep2Msg, bool) {
	if msg.Type != SyncStep2Type {
		return nil, false
	}
	var out SyncStep2Msg
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// ParseUpdateMessage extrai dados de uma mensagem Update
func ParseUpdateMessage(msg Message) (*UpdateMsg, bool) {
	if msg.Type != UpdateType {
		return nil, false
	}
	var out UpdateMsg
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// ParseAwarenessMessage extrai dados de uma mensagem Awareness
func ParseAwarenessMessage(msg Message) (*AwarenessMsg, bool) {
	if msg.Type != AwarenessType {
		return nil, false
	}
	var out AwarenessMsg
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame and checks its envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case SyncStep1Type, SyncStep2Type, UpdateType, AwarenessType, QueryAwarenessType:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

// HandleSync applies the document part of msg to doc. A step 1 is answered
// with the step 2 to send back; updates and step 2 are merged with origin.
// Messages of other types are ignored.
func HandleSync(doc *crdt.Doc, msg Message, origin any) (*Message, error) {
	switch msg.Type {
	case SyncStep1Type:
		step1, ok := ParseSyncStep1Message(msg)
		if !ok {
			return nil, fmt.Errorf("%w: bad sync step 1", ErrInvalidMessage)
		}
		reply := CreateSyncStep2Message(msg.Room, doc.ClientID(), doc.EncodeStateAsUpdate(step1.StateVector))
		return &reply, nil

	case SyncStep2Type:
		step2, ok := ParseSyncStep2Message(msg)
		if !ok {
			return nil, fmt.Errorf("%w: bad sync step 2", ErrInvalidMessage)
		}
		return nil, doc.ApplyUpdate(step2.Update, origin)

	case UpdateType:
		upd, ok := ParseUpdateMessage(msg)
		if !ok {
			return nil, fmt.Errorf("%w: bad update", ErrInvalidMessage)
		}
		return nil, doc.ApplyUpdate(upd.Update, origin)
	}
	return nil, nil
}

// getCurrentTimestamp retorna timestamp atual em milissegundos
func getCurrentTimestamp() int64 {
	return time.Now().UnixMilli()
}
