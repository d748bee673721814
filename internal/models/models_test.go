package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestEndpoint_Fields(t *testing.T) {
	typ := reflect.TypeOf(Endpoint{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Address", "uniqueIndex")
	assertGormTag(t, typ, "Address", "not null")
	assertGormTag(t, typ, "Conversations", "foreignKey:EndpointID")
	assertGormTag(t, typ, "Conversations", "OnDelete:SET NULL")
}

func TestChat_Fields(t *testing.T) {
	typ := reflect.TypeOf(Chat{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Title", "not null")
	assertGormTag(t, typ, "Conversations", "foreignKey:ChatID")
	assertGormTag(t, typ, "Conversations", "OnDelete:CASCADE")
}

func TestConversation_Fields(t *testing.T) {
	typ := reflect.TypeOf(Conversation{})

	// Composite unique index over (chat, endpoint).
	assertGormTag(t, typ, "ChatID", "uniqueIndex:idx_chat_endpoint")
	assertGormTag(t, typ, "EndpointID", "uniqueIndex:idx_chat_endpoint")
	assertGormTag(t, typ, "Model", "not null")
	assertGormTag(t, typ, "Messages", "OnDelete:CASCADE")

	assertFieldType(t, typ, "EndpointID", "*uint")
	assertFieldType(t, typ, "ChatID", "uint")
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "Role", "check:")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "CreatedAt", "precision:6")

	assertFieldType(t, typ, "ID", "string")
	assertFieldType(t, typ, "Role", "models.Role")
	assertFieldType(t, typ, "Image", "[]uint8")
	assertFieldType(t, typ, "TotalDuration", "*float64")
	assertFieldType(t, typ, "EvalCount", "*int")
}

func TestMessage_BeforeCreateAssignsID(t *testing.T) {
	m := &Message{}
	if err := m.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate: %v", err)
	}
	if len(m.ID) != 36 {
		t.Errorf("ID = %q, want a 36-char uuid", m.ID)
	}

	keep := &Message{ID: "fixed"}
	keep.BeforeCreate(nil)
	if keep.ID != "fixed" {
		t.Errorf("ID = %q, want preset id kept", keep.ID)
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Error("tool should not be valid")
	}
}

func TestMessageMetrics_Complete(t *testing.T) {
	var m MessageMetrics
	if m.Complete() {
		t.Error("zero metrics should not be complete")
	}
	f, n := 1.0, 1
	m = MessageMetrics{&f, &f, &n, &f, &f, &n, &f, &f}
	if !m.Complete() {
		t.Error("filled metrics should be complete")
	}
}
