package infra

import (
	"testing"
	"time"
)

func TestSupervisor_ExecutesWhenAllUp(t *testing.T) {
	sup := NewConnectionSupervisor([]string{"prices", "orders"}, time.Minute, nil, nil)
	sup.HandleStreamState("prices", true)
	sup.HandleStreamState("orders", true)

	ran := false
	sup.Execute("create", func() { ran = true }, nil)
	if !ran {
		t.Error("expected immediate execution while subscribed")
	}
}

func TestSupervisor_QueuesDuringOutage(t *testing.T) {
	sup := NewConnectionSupervisor([]string{"prices", "orders"}, time.Minute, nil, nil)
	sup.HandleStreamState("prices", true)
	// orders stream still down

	ran := false
	sup.Execute("create", func() { ran = true }, nil)
	if ran {
		t.Fatal("command ran while a stream was down")
	}

	sup.HandleStreamState("orders", true)
	if !ran {
		t.Error("queued command was not replayed on recovery")
	}
}

func TestSupervisor_DiscardsStaleCommands(t *testing.T) {
	var discarded []QueuedCommand
	sup := NewConnectionSupervisor([]string{"orders"}, 30*time.Second,
		nil, func(cmd QueuedCommand) { discarded = append(discarded, cmd) })

	base := time.Now()
	sup.now = func() time.Time { return base }

	ran := false
	released := false
	sup.Execute("create", func() { ran = true }, func() { released = true })

	// Recovery happens after the staleness bound has elapsed.
	sup.now = func() time.Time { return base.Add(45 * time.Second) }
	sup.HandleStreamState("orders", true)

	if ran {
		t.Error("stale command was replayed instead of discarded")
	}
	if !released {
		t.Error("discard callback not invoked; the issuer's state stays latched")
	}
	if len(discarded) != 1 || discarded[0].Kind != "create" {
		t.Errorf("discarded = %v, want one create", discarded)
	}
}

func TestSupervisor_FreshCommandsSurviveOutage(t *testing.T) {
	sup := NewConnectionSupervisor([]string{"orders"}, time.Minute, nil, nil)

	order := []string{}
	sup.Execute("cancel", func() { order = append(order, "cancel") }, nil)
	sup.Execute("create", func() { order = append(order, "create") }, nil)

	sup.HandleStreamState("orders", true)

	if len(order) != 2 || order[0] != "cancel" || order[1] != "create" {
		t.Errorf("replay order = %v, want [cancel create]", order)
	}
}

func TestSupervisor_StateMachine(t *testing.T) {
	sup := NewConnectionSupervisor([]string{"prices"}, time.Minute, nil, nil)

	if got := sup.State("prices"); got != StreamDisconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", got)
	}

	sup.HandleStreamState("prices", true)
	if got := sup.State("prices"); got != StreamSubscribed {
		t.Fatalf("state = %v, want SUBSCRIBED", got)
	}

	sup.MarkDegraded("prices")
	if got := sup.State("prices"); got != StreamDegraded {
		t.Fatalf("state = %v, want DEGRADED", got)
	}
	if sup.AllSubscribed() {
		t.Error("degraded stream reported as subscribed")
	}

	sup.HandleStreamState("prices", false)
	if got := sup.State("prices"); got != StreamDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", got)
	}
}
