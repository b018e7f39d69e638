package events

import (
	"context"
	"strings"
	"testing"
)

func TestMemory(t *testing.T) {
	m := &Memory{}
	var p Publisher = m
	p.Publish(context.Background(), Event{Type: RunStarted, RunID: "r1"})
	p.Publish(context.Background(), Event{Type: CycleStarted, Cycle: 1})

	got := strings.Join(m.Types(), ",")
	if got != "run.started,cycle.started" {
		t.Errorf("types wrong. expected=%q, got=%q", "run.started,cycle.started", got)
	}
	if m.Events()[1].Cycle != 1 {
		t.Errorf("expected cycle 1 recorded")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), Event{Type: RunStarted}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewNATS_Unreachable(t *testing.T) {
	_, err := NewNATS("nats://127.0.0.1:1", "", nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !strings.Contains(err.Error(), "failed to connect to NATS") {
		t.Errorf("error wrong. got=%q", err.Error())
	}
}

func TestNATS_Subject(t *testing.T) {
	n := &NATS{subject: "conductor.events"}
	if got := n.Subject(Event{Type: CycleFinished}); got != "conductor.events.cycle.finished" {
		t.Errorf("subject wrong. got=%q", got)
	}
}
