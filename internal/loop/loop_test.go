package loop

import "testing"

func TestAddWatchInvokesHostRegistration(t *testing.T) {
	l := New()
	var gotFD int
	var gotCond Condition
	l.SetWatchFunctions(
		func(fd int, flags Condition) error { gotFD, gotCond = fd, flags; return nil },
		func(fd int) {},
		func(fd int, enabled bool) {},
	)

	h, err := l.AddWatch(5, Readable, func(fd int, cond Condition) {})
	if err != nil {
		t.Fatal(err)
	}
	if h == 0 {
		t.Fatal("expected non-zero handle")
	}
	if gotFD != 5 || gotCond != Readable {
		t.Errorf("got fd=%d cond=%v", gotFD, gotCond)
	}
}

func TestHandleWatchInvokesRegisteredHandler(t *testing.T) {
	l := New()
	called := false
	h, err := l.AddWatch(3, Readable, func(fd int, cond Condition) {
		called = true
		if fd != 3 || cond != Readable {
			t.Errorf("got fd=%d cond=%v", fd, cond)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	l.HandleWatch(h, Readable)
	if !called {
		t.Error("expected handler to be invoked")
	}
}

func TestHandleWatchOnUnknownHandleIsNoop(t *testing.T) {
	l := New()
	l.HandleWatch(WatchHandle(999), Readable)
}

func TestRemoveWatchInvokesHostRemoval(t *testing.T) {
	l := New()
	removed := -1
	l.SetWatchFunctions(
		func(fd int, flags Condition) error { return nil },
		func(fd int) { removed = fd },
		func(fd int, enabled bool) {},
	)

	h, _ := l.AddWatch(7, Readable, func(fd int, cond Condition) {})
	l.RemoveWatch(h)
	if removed != 7 {
		t.Errorf("got removed=%d want 7", removed)
	}

	// Second call is a no-op: the handle is already gone.
	l.RemoveWatch(h)
	if removed != 7 {
		t.Errorf("removal should not re-fire")
	}
}

func TestToggleWatchInvokesHostToggle(t *testing.T) {
	l := New()
	var toggledFD int
	var toggledOn bool
	l.SetWatchFunctions(
		func(fd int, flags Condition) error { return nil },
		func(fd int) {},
		func(fd int, enabled bool) { toggledFD, toggledOn = fd, enabled },
	)

	h, _ := l.AddWatch(9, Readable, func(fd int, cond Condition) {})
	l.ToggleWatch(h, false)
	if toggledFD != 9 || toggledOn {
		t.Errorf("got fd=%d on=%v", toggledFD, toggledOn)
	}
}

func TestHandleTimeoutInvokesRegisteredHandler(t *testing.T) {
	l := New()
	fired := 0
	h, err := l.AddTimeout(1000, func() { fired++ })
	if err != nil {
		t.Fatal(err)
	}

	l.HandleTimeout(h)
	l.HandleTimeout(h)
	if fired != 2 {
		t.Errorf("got fired=%d want 2", fired)
	}

	l.RemoveTimeout(h, 1000)
	l.HandleTimeout(h)
	if fired != 2 {
		t.Errorf("handler should not fire after removal, got fired=%d", fired)
	}
}

func TestAddWatchPropagatesHostError(t *testing.T) {
	l := New()
	wantErr := errTest{}
	l.SetWatchFunctions(
		func(fd int, flags Condition) error { return wantErr },
		func(fd int) {},
		func(fd int, enabled bool) {},
	)

	if _, err := l.AddWatch(1, Readable, func(fd int, cond Condition) {}); err != wantErr {
		t.Errorf("got err %v want %v", err, wantErr)
	}
}

type errTest struct{}

func (errTest) Error() string { return "host add_watch failed" }
