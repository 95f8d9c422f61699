package signal

import "testing"

func TestPushPopFIFOPerSignal(t *testing.T) {
	q := NewQueue()
	q.Push(SigInfo{Sig: SIGUSR1, Code: 1})
	q.Push(SigInfo{Sig: SIGUSR1, Code: 2})
	if q.IsEmpty() {
		t.Fatal("expected non-empty after push")
	}
	info, ok := q.Pop(0)
	if !ok || info.Code != 1 {
		t.Fatalf("expected code 1 first, got %+v ok=%v", info, ok)
	}
}

func TestLegacySignalCoalesces(t *testing.T) {
	q := NewQueue()
	q.Push(SigInfo{Sig: SIGTERM, Code: 1})
	q.Push(SigInfo{Sig: SIGTERM, Code: 2}) // coalesced: SIGTERM already pending
	info, ok := q.Pop(0)
	if !ok || info.Code != 1 {
		t.Fatalf("expected only the first SIGTERM to be queued, got %+v", info)
	}
	if _, ok := q.Pop(0); ok {
		t.Fatal("expected the coalesced duplicate to have been dropped")
	}
}

func TestPopRespectsMask(t *testing.T) {
	q := NewQueue()
	q.Push(SigInfo{Sig: SIGUSR1})
	q.Push(SigInfo{Sig: SIGUSR2})
	masked := SigSet(SIGUSR1.Mask())
	info, ok := q.Pop(masked)
	if !ok || info.Sig != SIGUSR2 {
		t.Fatalf("expected the masked signal to be skipped, got %+v", info)
	}
}

func TestIsEmptyClearsOnceQueueDrains(t *testing.T) {
	q := NewQueue()
	q.Push(SigInfo{Sig: SIGINT})
	q.Pop(0)
	if !q.IsEmpty() {
		t.Fatal("expected IsEmpty once the only pending signal is popped")
	}
}

func TestQueueOverflowDropsRatherThanBlocking(t *testing.T) {
	q := NewQueue()
	// A realtime signal, since legacy ones coalesce to a single entry.
	rt := Sig(sigLegacyMax + 1)
	for i := 0; i < capPerSig+4; i++ {
		q.Push(SigInfo{Sig: rt, Code: int32(i)})
	}
	count := 0
	for {
		if _, ok := q.Pop(0); !ok {
			break
		}
		count++
	}
	if count != capPerSig {
		t.Fatalf("expected at most %d queued entries, got %d", capPerSig, count)
	}
}

func TestDefaultActionsMatchSygnalTable(t *testing.T) {
	cases := map[Sig]ActionType{
		SIGCHLD: ActionIgnore,
		SIGURG:  ActionIgnore,
		SIGSTOP: ActionSuspend,
		SIGCONT: ActionResume,
		SIGTERM: ActionKill,
	}
	as := NewActionSet()
	for sig, want := range cases {
		if got := as.Get(sig).Type; got != want {
			t.Fatalf("signal %d: expected %v, got %v", sig, want, got)
		}
	}
}

func TestReplaceOnNonMaskableSnapsBackToDefault(t *testing.T) {
	as := NewActionSet()
	old := as.Replace(SIGKILL, Action{Type: ActionIgnore})
	if old.Type != ActionKill {
		t.Fatalf("expected the prior default (Kill) returned, got %v", old.Type)
	}
	if got := as.Get(SIGKILL).Type; got != ActionKill {
		t.Fatalf("expected SIGKILL to snap back to Kill, got %v", got)
	}
}

func TestSigSetWithoutNonMaskableClearsKillAndStop(t *testing.T) {
	set := SigSet(SIGKILL.Mask() | SIGSTOP.Mask() | SIGTERM.Mask())
	cleared := set.WithoutNonMaskable()
	if cleared.Contains(SIGKILL) || cleared.Contains(SIGSTOP) {
		t.Fatal("expected SIGKILL/SIGSTOP cleared")
	}
	if !cleared.Contains(SIGTERM) {
		t.Fatal("expected SIGTERM to remain maskable")
	}
}
