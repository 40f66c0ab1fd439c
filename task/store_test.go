package task

import (
	"errors"
	"os"
	"testing"

	"github.com/GoCodeAlone/lexagent/agent"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "lexagent-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// stores runs fn against both Store implementations.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemStore()) })
}

func TestStore_CreateAndGet(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		tk := &Task{
			AgentType: agent.TypeAnalysis,
			Action:    agent.ActionAnalyze,
			Payload:   AnalysisRequest{DocumentID: "doc-1", Focus: []string{"indemnity"}},
		}
		id, err := store.Create(tk)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if id == "" {
			t.Fatal("Create returned empty ID")
		}
		if tk.ID != id {
			t.Errorf("task.ID = %q, want %q", tk.ID, id)
		}
		if tk.Status != StatusPending {
			t.Errorf("Status = %q, want PENDING default", tk.Status)
		}

		got, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		p, ok := got.Payload.(AnalysisRequest)
		if !ok {
			t.Fatalf("Payload type = %T, want AnalysisRequest", got.Payload)
		}
		if p.DocumentID != "doc-1" || len(p.Focus) != 1 {
			t.Errorf("Payload = %+v", p)
		}
		if got.Result != nil {
			t.Errorf("Result = %v, want nil", got.Result)
		}
	})
}

func TestStore_Update(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		tk := &Task{AgentType: agent.TypeGeneration, Action: agent.ActionGenerate,
			Payload: GenerationRequest{TemplateID: "nda", Title: "Mutual NDA"}}
		id, err := store.Create(tk)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		tk.Status = StatusCompleted
		tk.Progress = 100
		tk.Result = GenerationResult{Content: "THIS AGREEMENT", Format: "markdown", WordCount: 2}
		if err := store.Update(tk); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get after update: %v", err)
		}
		if got.Status != StatusCompleted || got.Progress != 100 {
			t.Errorf("Status/Progress = %s/%d", got.Status, got.Progress)
		}
		r, ok := got.Result.(GenerationResult)
		if !ok {
			t.Fatalf("Result type = %T, want GenerationResult", got.Result)
		}
		if r.Content != "THIS AGREEMENT" {
			t.Errorf("Content = %q", r.Content)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		if _, err := store.Get("nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get err = %v, want ErrNotFound", err)
		}
		if err := store.Update(&Task{ID: "nonexistent"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Update err = %v, want ErrNotFound", err)
		}
		if err := store.Delete("nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Delete(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		id, err := store.Create(&Task{AgentType: agent.TypeClassification, Action: agent.ActionClassify})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.Delete(id); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(id); err == nil {
			t.Fatal("expected error getting deleted task")
		}
	})
}

func TestStore_List(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		tasks := []*Task{
			{AgentType: agent.TypeGeneration, Action: agent.ActionGenerate, Status: StatusPending},
			{AgentType: agent.TypeAnalysis, Action: agent.ActionAnalyze, Status: StatusCompleted},
			{AgentType: agent.TypeGeneration, Action: agent.ActionRevise, Status: StatusPending},
		}
		for _, tk := range tasks {
			if _, err := store.Create(tk); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		all, err := store.List(Filter{})
		if err != nil {
			t.Fatalf("List all: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("List all: got %d, want 3", len(all))
		}

		gen, err := store.List(Filter{AgentType: agent.TypeGeneration})
		if err != nil {
			t.Fatalf("List generation: %v", err)
		}
		if len(gen) != 2 {
			t.Errorf("List generation: got %d, want 2", len(gen))
		}

		pending := StatusPending
		pendingList, err := store.List(Filter{Status: &pending})
		if err != nil {
			t.Fatalf("List pending: %v", err)
		}
		if len(pendingList) != 2 {
			t.Errorf("List pending: got %d, want 2", len(pendingList))
		}

		limited, err := store.List(Filter{Limit: 2})
		if err != nil {
			t.Fatalf("List limit: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("List limit 2: got %d, want 2", len(limited))
		}
	})
}
