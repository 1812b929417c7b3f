package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid authenticate message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Authenticate(t *testing.T) {
	input := []byte(`{"type":"authenticate","user_id":42}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthenticate {
		t.Fatalf("expected type %q, got %q", TypeAuthenticate, msgType)
	}

	am, ok := msg.(AuthenticateMsg)
	if !ok {
		t.Fatalf("expected AuthenticateMsg, got %T", msg)
	}
	if am.UserID != 42 {
		t.Errorf("expected user_id 42, got %d", am.UserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid initiate_chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_InitiateChat(t *testing.T) {
	input := []byte(`{"type":"initiate_chat","user_id":1,"target_user_id":7}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeInitiateChat {
		t.Fatalf("expected type %q, got %q", TypeInitiateChat, msgType)
	}

	im, ok := msg.(InitiateChatMsg)
	if !ok {
		t.Fatalf("expected InitiateChatMsg, got %T", msg)
	}
	if im.TargetUserID != 7 {
		t.Errorf("expected target_user_id 7, got %d", im.TargetUserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","session_id":10,"sender_id":1,"receiver_id":2,"content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.SessionID != 10 {
		t.Errorf("expected session_id 10, got %d", sm.SessionID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: typing and stop_typing decode to the same struct
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingVariants(t *testing.T) {
	for _, typ := range []string{TypeTyping, TypeStopTyping} {
		input := []byte(`{"type":"` + typ + `","session_id":10,"user_id":1,"receiver_id":2}`)

		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Fatalf("expected type %q, got %q", typ, msgType)
		}

		tm, ok := msg.(TypingMsg)
		if !ok {
			t.Fatalf("%s: expected TypingMsg, got %T", typ, msg)
		}
		if tm.SessionID != 10 || tm.UserID != 1 {
			t.Errorf("%s: bad fields: %+v", typ, tm)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed messages are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"teleport"}`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	// Server->client types must not be accepted from clients.
	_, _, err := ParseClientMessage([]byte(`{"type":"points_update","points":99}`))
	if err == nil {
		t.Fatal("expected error for server-only message type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"user_id":1}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{nope`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages carry the injected type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeChatStarted, ChatStartedMsg{
		SessionID:    10,
		TargetUserID: 7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeChatStarted {
		t.Errorf("expected type %q, got %v", TypeChatStarted, decoded["type"])
	}
	if decoded["session_id"] != float64(10) {
		t.Errorf("expected session_id 10, got %v", decoded["session_id"])
	}
}

func TestNewServerMessage_PointsUpdate(t *testing.T) {
	data, err := NewServerMessage(TypePointsUpdate, PointsUpdateMsg{Points: 49.8333})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded PointsUpdateMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded.Type != TypePointsUpdate {
		t.Errorf("expected type %q, got %q", TypePointsUpdate, decoded.Type)
	}
	if decoded.Points != 49.8333 {
		t.Errorf("expected points 49.8333, got %f", decoded.Points)
	}
}
