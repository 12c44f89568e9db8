package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/taskdav/internal/schema"
)

// TestConcurrentEditsAndSyncReads runs user edits and sync-style reads
// against one database at the same time, the way the CLI and a running
// daemon share it.
func TestConcurrentEditsAndSyncReads(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 25

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var writersWG, readerWG sync.WaitGroup
	errorsChan := make(chan error, writers+1)

	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(writer int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				task := schema.NewTask(fmt.Sprintf("writer %d task %d", writer, i), time.Now())
				if err := db.AddTask(ctx, task); err != nil {
					errorsChan <- fmt.Errorf("writer %d add failed: %w", writer, err)
					return
				}
				if i%5 == 0 {
					if _, err := db.EditTask(ctx, task.ID, func(t *schema.Task) error {
						t.SetCompleted(true, time.Now())
						return nil
					}); err != nil {
						errorsChan <- fmt.Errorf("writer %d edit failed: %w", writer, err)
						return
					}
				}
			}
		}(w)
	}

	done := make(chan struct{})
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			dirty, err := db.ListDirty(ctx)
			if err != nil {
				errorsChan <- fmt.Errorf("reader failed: %w", err)
				return
			}
			for _, task := range dirty {
				if task.UID == "" || !task.Dirty {
					errorsChan <- fmt.Errorf("reader found inconsistent task %d", task.ID)
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	writersWG.Wait()
	close(done)
	readerWG.Wait()
	close(errorsChan)

	for err := range errorsChan {
		t.Error(err)
	}

	n, err := db.CountDirty(ctx)
	if err != nil {
		t.Fatalf("CountDirty failed: %v", err)
	}
	if n != writers*perWriter {
		t.Errorf("CountDirty = %d, want %d", n, writers*perWriter)
	}
}

func BenchmarkListVisible_1000Tasks(b *testing.B) {
	db, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		task := schema.NewTask(fmt.Sprintf("task %d", i), time.Now())
		if i%3 == 0 {
			due := time.Now().Add(time.Duration(i) * time.Hour)
			task.DueAt = &due
		}
		if err := db.AddTask(ctx, task); err != nil {
			b.Fatalf("AddTask failed: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.ListVisible(ctx, ListFilter{IncludeCompleted: true}); err != nil {
			b.Fatal(err)
		}
	}
}
