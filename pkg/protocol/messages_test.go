package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/presence"
)

const testRoom = "crdt-chessboard-demo-v1"

func TestMessageTypes_Constants(t *testing.T) {
	if SyncStep1Type != "SYNC_STEP1" {
		t.Errorf("Esperado SyncStep1Type 'SYNC_STEP1', obtido %s", SyncStep1Type)
	}
	if UpdateType != "UPDATE" {
		t.Errorf("Esperado UpdateType 'UPDATE', obtido %s", UpdateType)
	}
	if AwarenessType != "AWARENESS" {
		t.Errorf("Esperado AwarenessType 'AWARENESS', obtido %s", AwarenessType)
	}
}

func TestCreateSyncStep1Message(t *testing.T) {
	sv := crdt.VectorClock{7: 3}
	msg := CreateSyncStep1Message(testRoom, 7, sv)

	if msg.Type != SyncStep1Type {
		t.Errorf("Esperado tipo %s, obtido %s", SyncStep1Type, msg.Type)
	}
	if msg.ID == uuid.Nil {
		t.Error("ID não deveria ser nulo")
	}
	if msg.Room != testRoom || msg.SenderID != 7 {
		t.Errorf("Envelope inesperado: %+v", msg)
	}

	now := time.Now().UnixMilli()
	if abs(now-msg.Timestamp) > 1000 {
		t.Errorf("Timestamp muito distante do atual: %d vs %d", msg.Timestamp, now)
	}

	step1, ok := ParseSyncStep1Message(msg)
	if !ok {
		t.Fatal("ParseSyncStep1Message deveria funcionar")
	}
	if step1.StateVector[7] != 3 {
		t.Errorf("Esperado contador 3, obtido %d", step1.StateVector[7])
	}
}

func TestEncodeDecode(t *testing.T) {
	u := crdt.Update{Inserts: []crdt.InsertOp{{
		Array:   "colors",
		ID:      crdt.Dot{Client: 1, Counter: 1},
		Lamport: 1,
		Value:   "#ffffff",
	}}}
	msg := CreateUpdateMessage(testRoom, 1, u)

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode não deveria falhar: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode não deveria falhar: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Type != UpdateType {
		t.Errorf("Envelope decodificado difere: %+v", decoded)
	}

	upd, ok := ParseUpdateMessage(decoded)
	if !ok {
		t.Fatal("ParseUpdateMessage deveria funcionar")
	}
	if len(upd.Update.Inserts) != 1 || upd.Update.Inserts[0].Value != "#ffffff" {
		t.Errorf("Update decodificado inesperado: %+v", upd.Update)
	}
}

func TestDecode_Invalid(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"HELLO"}`),
	}
	for _, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Esperado ErrInvalidMessage para %q, obtido %v", data, err)
		}
	}
}

func TestParseMessage_WrongType(t *testing.T) {
	msg := CreateQueryAwarenessMessage(testRoom, 1)
	if _, ok := ParseUpdateMessage(msg); ok {
		t.Error("ParseUpdateMessage deveria falhar para tipo errado")
	}
	if _, ok := ParseAwarenessMessage(msg); ok {
		t.Error("ParseAwarenessMessage deveria falhar para tipo errado")
	}
}

func TestAwarenessMessage(t *testing.T) {
	u := presence.Update{Clients: []presence.ClientUpdate{{Client: 4, Clock: 2, State: presence.State{"user": "x"}}}}
	msg, err := CreateAwarenessMessage(testRoom, 4, u)
	if err != nil {
		t.Fatalf("CreateAwarenessMessage não deveria falhar: %v", err)
	}
	data, _ := Encode(msg)
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode não deveria falhar: %v", err)
	}
	aw, ok := ParseAwarenessMessage(decoded)
	if !ok {
		t.Fatal("ParseAwarenessMessage deveria funcionar")
	}
	if len(aw.Update.Clients) != 1 || aw.Update.Clients[0].State["user"] != "x" {
		t.Errorf("Awareness decodificado inesperado: %+v", aw.Update)
	}

	bad := presence.Update{Clients: []presence.ClientUpdate{{Client: 4, Clock: 3, State: presence.State{"ch": make(chan int)}}}}
	if _, err := CreateAwarenessMessage(testRoom, 4, bad); err == nil {
		t.Error("Estado não serializável deveria falhar")
	}
}

func TestHandleSync_TwoStep(t *testing.T) {
	a := crdt.NewDoc(1)
	arr := a.Array("colors")
	a.Transact(nil, func(tx *crdt.Txn) error { return tx.Push(arr, "x", "y") })

	b := crdt.NewDoc(2)
	step1 := CreateSyncStep1Message(testRoom, 2, b.StateVector())

	// a recebe step1 e responde com step2
	reply, err := HandleSync(a, roundTrip(t, step1), "b")
	if err != nil || reply == nil {
		t.Fatalf("Esperada resposta step2, obtido %v / %v", reply, err)
	}
	if reply.Type != SyncStep2Type {
		t.Fatalf("Esperado %s, obtido %s", SyncStep2Type, reply.Type)
	}

	// b aplica step2
	again, err := HandleSync(b, roundTrip(t, *reply), "a")
	if err != nil || again != nil {
		t.Fatalf("Step2 não deveria gerar resposta: %v / %v", again, err)
	}
	if got := b.Array("colors").ToSlice(); len(got) != 2 || got[0] != "x" {
		t.Fatalf("Sincronização falhou: %v", got)
	}
}

func TestHandleSync_IgnoresAwareness(t *testing.T) {
	doc := crdt.NewDoc(1)
	reply, err := HandleSync(doc, CreateQueryAwarenessMessage(testRoom, 2), nil)
	if reply != nil || err != nil {
		t.Errorf("Mensagem de presença não deveria afetar o documento: %v / %v", reply, err)
	}
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

// Helper function para valor absoluto
func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
