package goals

import (
	"testing"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

func TestPushCompletePopRoundTrip(t *testing.T) {
	m := NewManager()
	g := m.CreateGoal("spawn a cube", "spawn a cube")

	if err := m.Push(g.ID); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !m.HasActiveGoals() {
		t.Fatal("Expected active goals after push")
	}

	g.MarkStarted()
	g.MarkFinished(engine.GoalStatusCompleted)

	popped, ok := m.Pop()
	if !ok || popped.ID != g.ID {
		t.Fatalf("Expected to pop %s, got %v", g.ID, popped)
	}
	if m.HasActiveGoals() {
		t.Error("Expected no active goals after completing and popping the only goal")
	}
	if _, ok := m.Get(g.ID); !ok {
		t.Error("Expected popped goal to remain in the registry")
	}
}

func TestHasActiveGoalsWithPendingGoal(t *testing.T) {
	m := NewManager()
	done := m.CreateGoal("done", "")
	done.MarkFinished(engine.GoalStatusCompleted)
	m.CreateGoal("waiting", "")

	if !m.HasActiveGoals() {
		t.Error("Expected pending goal to count as active")
	}
}

func TestGetActiveGoalPreference(t *testing.T) {
	m := NewManager()
	if m.GetActiveGoal() != nil {
		t.Fatal("Expected nil active goal for empty manager")
	}

	pending := m.CreateGoal("pending", "")
	if got := m.GetActiveGoal(); got != pending {
		t.Errorf("Expected pending goal, got %v", got)
	}

	running := m.CreateGoal("running", "")
	running.MarkStarted()
	if got := m.GetActiveGoal(); got != running {
		t.Errorf("Expected in-progress goal to win over pending, got %v", got)
	}

	top := m.CreateGoal("top", "")
	if err := m.Push(top.ID); err != nil {
		t.Fatal(err)
	}
	if got := m.GetActiveGoal(); got != top {
		t.Errorf("Expected stack top to win, got %v", got)
	}
}

func TestPushUnknownGoal(t *testing.T) {
	m := NewManager()
	err := m.Push("missing")
	if err == nil {
		t.Fatal("Expected error pushing unknown goal")
	}
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected %s, got %s", engine.ErrCodeNotFound, engine.CodeOf(err))
	}
	if _, ok := m.Pop(); ok {
		t.Error("Expected empty stack")
	}
}

func TestCreateSubGoalLinksParent(t *testing.T) {
	m := NewManager()
	parent := m.CreateGoal("build a village", "build a village")

	child, err := m.CreateSubGoal(parent.ID, "place houses")
	if err != nil {
		t.Fatalf("CreateSubGoal failed: %v", err)
	}
	if child.ParentID != parent.ID {
		t.Errorf("Expected parent %s, got %s", parent.ID, child.ParentID)
	}
	if len(parent.SubGoalIDs) != 1 || parent.SubGoalIDs[0] != child.ID {
		t.Errorf("Expected parent to list child, got %v", parent.SubGoalIDs)
	}
	if len(m.All()) != 2 {
		t.Errorf("Expected 2 registered goals, got %d", len(m.All()))
	}

	if _, err := m.CreateSubGoal("missing", "x"); err == nil {
		t.Error("Expected error for unknown parent")
	}
}

func TestCalculateGoalProgress(t *testing.T) {
	m := NewManager()

	t.Run("completed", func(t *testing.T) {
		g := m.CreateGoal("done", "")
		g.MarkFinished(engine.GoalStatusCompleted)
		if p := m.CalculateGoalProgress(g.ID); p != 100 {
			t.Errorf("Expected 100, got %v", p)
		}
	})

	t.Run("criteria ratio", func(t *testing.T) {
		g := m.CreateGoal("half", "")
		g.AddCriterion(engine.SuccessCriterion{Required: true, Evaluated: true, LastResult: true})
		g.AddCriterion(engine.SuccessCriterion{Required: true, Evaluated: true, LastResult: false})
		g.AddCriterion(engine.SuccessCriterion{Required: false})
		g.AddCriterion(engine.SuccessCriterion{Required: false, Evaluated: true, LastResult: true})
		if p := m.CalculateGoalProgress(g.ID); p != 50 {
			t.Errorf("Expected 50, got %v", p)
		}
	})

	t.Run("sub-goals averaged", func(t *testing.T) {
		parent := m.CreateGoal("parent", "")
		a, _ := m.CreateSubGoal(parent.ID, "a")
		b, _ := m.CreateSubGoal(parent.ID, "b")
		a.MarkFinished(engine.GoalStatusCompleted)
		b.AddCriterion(engine.SuccessCriterion{Evaluated: true, LastResult: false})

		if p := m.CalculateGoalProgress(parent.ID); p != 50 {
			t.Errorf("Expected 50, got %v", p)
		}
	})

	t.Run("unknown goal", func(t *testing.T) {
		if p := m.CalculateGoalProgress("missing"); p != 0 {
			t.Errorf("Expected 0, got %v", p)
		}
	})
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager()
	g := engine.NewGoal("x", "x")
	if err := m.Register(g); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(g); !engine.IsConflict(err) {
		t.Errorf("Expected conflict error, got %v", err)
	}
}

func TestClear(t *testing.T) {
	m := NewManager()
	g := m.CreateGoal("x", "")
	_ = m.Push(g.ID)
	m.Clear()

	if m.HasActiveGoals() || m.Depth() != 0 || len(m.All()) != 0 {
		t.Error("Expected Clear to reset the manager")
	}
}
