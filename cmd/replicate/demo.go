package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/backend/fake"
	"github.com/trestleinc/replicate/pkg/collection"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/materialize"
	"github.com/trestleinc/replicate/pkg/persistence"
	"github.com/trestleinc/replicate/pkg/schema"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an insert/update scenario against the in-memory reference backend",
	Long: `demo spins up a single collection against the in-memory backend fake,
inserts a row, then drives an update whose first few outbound pushes
are made to fail so the write actor's retry schedule kicks in, printing
each state transition until the reactive store converges.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Duration("debounce", 150*time.Millisecond, "Write actor debounce window")
	demoCmd.Flags().Int("max-retries", 5, "Write actor max retry attempts")
	demoCmd.Flags().Int("fail-first", 2, "Number of outbound update pushes to fail before the backend accepts one")
}

func runDemo(cmd *cobra.Command, args []string) error {
	debounce, _ := cmd.Flags().GetDuration("debounce")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	failFirst, _ := cmd.Flags().GetInt("fail-first")

	logger := log.WithComponent("demo")

	dir, err := os.MkdirTemp("", "replicate-demo-*")
	if err != nil {
		return fmt.Errorf("demo: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(dir + "/replicate.db")
	if err != nil {
		return fmt.Errorf("demo: open store: %w", err)
	}
	defer store.Close()

	fakeBackend := fake.New()
	flaky := &flakyAPI{API: fakeBackend.Bind("notes"), updateFailsRemaining: failFirst}
	reactive := materialize.NewMemoryStore()

	lazy := collection.Create(collection.Config{
		Name:          "notes",
		Schema:        schema.Collection{"body": schema.Prose()},
		Backend:       flaky,
		Store:         store,
		ReactiveStore: reactive,
		DebounceMs:    debounce,
		MaxRetries:    maxRetries,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := lazy.Init(ctx, nil); err != nil {
		return fmt.Errorf("demo: init collection: %w", err)
	}

	coll, err := lazy.Get()
	if err != nil {
		return err
	}
	defer coll.Cleanup()

	logger.Info().Msg("inserting r1 {title: \"A\"}")
	id, err := coll.Insert(ctx, map[string]any{"id": "r1", "title": "A"})
	if err != nil {
		return fmt.Errorf("demo: insert: %w", err)
	}
	logger.Info().Interface("row", mustRow(coll, id)).Msg("insert landed")

	logger.Info().Int("fail-first", failFirst).Msg("updating r1 title -> \"B\"; the first pushes will be rejected")
	if err := coll.Update(id, map[string]any{"title": "B"}); err != nil {
		return fmt.Errorf("demo: update: %w", err)
	}

	logger.Info().Msg("waiting for the write actor's retry schedule to land the update")
	if !pollRow(coll, id, func(row materialize.Row) bool { return row != nil && row["title"] == "B" }, 5*time.Second) {
		return fmt.Errorf("demo: update never converged")
	}
	logger.Info().Interface("row", mustRow(coll, id)).Msg("update converged")

	return nil
}

func pollRow(coll *collection.Collection, id string, ok func(materialize.Row) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if row, exists := coll.Row(id); exists && ok(row) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func mustRow(coll *collection.Collection, id string) materialize.Row {
	row, _ := coll.Row(id)
	return row
}

// flakyAPI wraps a backend.API and fails the first updateFailsRemaining
// Update calls with a retriable error, to exercise the write actor's
// backoff schedule in the demo.
type flakyAPI struct {
	backend.API
	updateFailsRemaining int
}

func (f *flakyAPI) Update(ctx context.Context, document string, bytes crdt.Update, material map[string]any) (backend.MutationResult, error) {
	if f.updateFailsRemaining > 0 {
		f.updateFailsRemaining--
		return backend.MutationResult{}, fmt.Errorf("demo: simulated network failure")
	}
	return f.API.Update(ctx, document, bytes, material)
}
