package htclow

import "testing"

func TestTaskBeginEndSingleInFlight(t *testing.T) {
	tt := newTaskTable(2)

	task1, err := tt.begin(0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if task1.State() != TaskInProgress {
		t.Fatalf("expected InProgress, got %s", task1.State())
	}

	task2, err := tt.begin(0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if task1.ID == task2.ID {
		t.Fatal("expected distinct task IDs")
	}

	if _, err := tt.begin(0); err != ErrNoTaskSlots {
		t.Fatalf("expected ErrNoTaskSlots, got %v", err)
	}

	task1.complete("done", nil)
	tt.end(task1.ID)

	if _, err := tt.begin(0); err != nil {
		t.Fatalf("expected a freed slot after end, got %v", err)
	}
}

func TestTaskCompleteIsIdempotentAgainstCancel(t *testing.T) {
	task := newTask(0)
	task.complete("first", nil)
	task.cancel() // must not override a completed result

	if task.State() != TaskComplete {
		t.Fatalf("expected Complete, got %s", task.State())
	}
	result, err := task.Result()
	if err != nil || result != "first" {
		t.Fatalf("got result=%v err=%v, want first/nil", result, err)
	}
}

func TestTaskCancelAllWakesWaiters(t *testing.T) {
	tt := newTaskTable(4)
	task, _ := tt.begin(0)

	done := make(chan struct{})
	go func() {
		task.Wait()
		close(done)
	}()

	tt.cancelAll()
	<-done

	if task.State() != TaskCanceled {
		t.Fatalf("expected Canceled, got %s", task.State())
	}
	_, err := task.Result()
	if err != ErrTaskCanceled {
		t.Fatalf("expected ErrTaskCanceled, got %v", err)
	}
}

func TestTaskTableLen(t *testing.T) {
	tt := newTaskTable(4)
	if tt.len() != 0 {
		t.Fatalf("expected 0, got %d", tt.len())
	}
	task, _ := tt.begin(0)
	if tt.len() != 1 {
		t.Fatalf("expected 1, got %d", tt.len())
	}
	tt.end(task.ID)
	if tt.len() != 0 {
		t.Fatalf("expected 0 after end, got %d", tt.len())
	}
}
