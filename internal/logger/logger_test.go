package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIDsSkipsEmptyValues(t *testing.T) {
	fields := IDs(FieldBriefID, " brief-1 ", FieldCandidateID, "  ", "", "x", FieldActorID)
	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}
	if fields[0].Key != FieldBriefID || fields[0].String != "brief-1" {
		t.Fatalf("unexpected field: %+v", fields[0])
	}
}

func TestWithFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	log := zap.New(core)

	WithFields(log, zap.String("foo", "bar")).Info("test log")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["foo"]; got != "bar" {
		t.Fatalf("expected foo=bar, got %v", got)
	}
}

func TestWithFieldsNilLogger(t *testing.T) {
	if WithFields(nil) == nil {
		t.Fatal("expected no-op logger for nil input")
	}
	WithFields(nil, zap.String("k", "v")).Info("dropped")
}

func TestNew(t *testing.T) {
	for _, json := range []bool{false, true} {
		log, err := New(json, true)
		if err != nil {
			t.Fatalf("new logger json=%v: %v", json, err)
		}
		if !log.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("expected debug level enabled")
		}
	}
}
