package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/planner"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/tools/protocol"
)

func runScript(t *testing.T, s *Scene, code string) *engine.ToolResult {
	t.Helper()
	return call(t, s, tools.ExecuteScript, map[string]interface{}{"code": code})
}

func TestArrangementScript(t *testing.T) {
	s := New(nil)
	positions := []engine.Vec3{{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 400, Y: 0}}

	r := runScript(t, s, planner.ArrangementScript("Tree", "Tree", "forest", positions))
	if !r.Success {
		t.Fatalf("Expected script to succeed, got %s", r.Error)
	}
	if len(r.AffectedIDs) != 3 {
		t.Fatalf("Expected 3 affected entities, got %v", r.AffectedIDs)
	}

	entities := s.Entities()
	for i, e := range entities {
		if e.Location != positions[i] {
			t.Errorf("Expected entity %d at %s, got %s", i, positions[i], e.Location)
		}
		if len(e.Tags) != 1 || e.Tags[0] != "forest" {
			t.Errorf("Expected forest tag, got %v", e.Tags)
		}
	}
	if entities[2].Label != "Tree_3" {
		t.Errorf("Expected label Tree_3, got %s", entities[2].Label)
	}
}

func TestScriptFailureLeavesSceneUnchanged(t *testing.T) {
	s := New(nil)
	s.Add(Entity{Class: "Rock", Label: "Keep"})

	r := runScript(t, s, `
spawn("Tree")
spawn("Tree")
delete("Keep")
delete("Missing")
`)
	if r.Success {
		t.Fatal("Expected script to fail")
	}
	if !strings.HasPrefix(r.Error, "script error:") || !strings.Contains(r.Error, "entity not found: Missing") {
		t.Errorf("Expected script error naming the missing entity, got %s", r.Error)
	}
	if s.Len() != 1 {
		t.Errorf("Expected scene rolled back to 1 entity, got %d", s.Len())
	}

	// IDs handed out by the failed run are not consumed.
	r = runScript(t, s, `spawn("Tree")`)
	if !r.Success || r.AffectedIDs[0] != "Tree_1" {
		t.Errorf("Expected Tree_1 after rollback, got %+v", r)
	}
}

func TestScriptBuiltins(t *testing.T) {
	s := New(nil)
	s.Add(Entity{Class: "Lamp", Label: "Old Lamp"})
	s.Add(Entity{Class: "Tree", Tags: []string{"forest"}})

	r := runScript(t, s, `
for e in entities(class = "Lamp"):
    delete(e.id)

trees = entities(tag = "forest")
for t in trees:
    move(t.id, (t.location[0] + 10, 0, 0))
    rotate(t.id, (0, 0, 45))
    set_property(t.id, "season", "autumn")

new = spawn("Lamp", label = "New Lamp", location = (0, 0, math.sqrt(16)), properties = {"watts": 60})
print("spawned", new)
`)
	if !r.Success {
		t.Fatalf("Expected script to succeed, got %s", r.Error)
	}

	if _, ok := s.Get("Lamp_1"); ok {
		t.Error("Expected Lamp_1 to be deleted")
	}
	tree, _ := s.Get("Tree_1")
	if tree.Location.X != 10 || tree.Rotation.Z != 45 || tree.Properties["season"] != "autumn" {
		t.Errorf("Expected moved rotated tree, got %+v", tree)
	}
	lamp, ok := s.Get("Lamp_2")
	if !ok || lamp.Location.Z != 4 || lamp.Properties["watts"] != "60" {
		t.Errorf("Expected new lamp at z=4 with 60 watts, got %+v", lamp)
	}

	removed, _ := r.Data["removed_ids"].([]interface{})
	if len(removed) != 1 || removed[0] != "Lamp_1" {
		t.Errorf("Expected removed Lamp_1, got %v", r.Data["removed_ids"])
	}
	output, _ := r.Data["output"].([]interface{})
	if len(output) != 1 || output[0] != "spawned Lamp_2" {
		t.Errorf("Expected captured print, got %v", r.Data["output"])
	}
	if len(r.AffectedIDs) != 3 {
		t.Errorf("Expected spawned, modified and removed ids, got %v", r.AffectedIDs)
	}
}

func TestScriptRespectsLocks(t *testing.T) {
	s := New(nil)
	s.Add(Entity{Class: "Camera", Label: "Main", Tags: []string{"locked"}})

	r := runScript(t, s, `delete("Main")`)
	if r.Success || !strings.Contains(r.Error, "permission denied") {
		t.Errorf("Expected permission denied, got %+v", r)
	}
}

func TestScriptStepLimit(t *testing.T) {
	s := New(nil)
	s.SetMaxScriptSteps(1000)

	r := runScript(t, s, `
n = 0
for i in range(1000000):
    n += i
`)
	if r.Success {
		t.Fatal("Expected runaway script to be stopped")
	}
	if !strings.Contains(r.Error, "too many steps") {
		t.Errorf("Expected step limit error, got %s", r.Error)
	}
}

func TestScriptCancelledByContext(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan string, 1)
	go func() {
		raw, _ := s.Execute(ctx, tools.ExecuteScript, `{"code":"n = 0\nfor i in range(100000000):\n    n += i\n"}`)
		done <- raw
	}()
	cancel()

	raw := <-done
	if r := engine.ParseToolResult(raw); raw != "" && r.Success {
		t.Errorf("Expected cancelled script to fail, got %s", raw)
	}
}

func TestScriptReportsProgress(t *testing.T) {
	s := New(nil)
	positions := []engine.Vec3{{X: 0}, {X: 100}}

	args, err := json.Marshal(map[string]string{"code": planner.ArrangementScript("Rock", "Rock", "", positions)})
	if err != nil {
		t.Fatalf("failed to encode args: %v", err)
	}
	var in bytes.Buffer
	if err := protocol.NewEncoder(&in).Send(protocol.MessageTypeCommand, &protocol.CommandMessage{ID: "c1", Tool: tools.ExecuteScript, Args: args}); err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}

	var out bytes.Buffer
	if err := tools.NewServer(s, "sim", "test", nil, nil).Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Expected serve to succeed, got %v", err)
	}

	events := 0
	dec := protocol.NewDecoder(&out)
	for {
		msg, err := dec.Next()
		if err != nil {
			break
		}
		if msg.Type == protocol.MessageTypeEvent {
			events++
		}
	}
	if events != 2 {
		t.Errorf("Expected 2 progress events, got %d", events)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 rocks, got %d", s.Len())
	}
}
