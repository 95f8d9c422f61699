package syscall

import (
	"testing"

	"rvcore/internal/kerr"
	"rvcore/internal/trapcoro"
)

func TestDispatchRoutesByA7AndWritesResultToA0(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysBrk, func(state any, frame *trapcoro.TrapFrame) error {
		frame.SetReturn(0x1000)
		return nil
	})

	var tf trapcoro.TrapFrame
	tf.X[16] = SysBrk // a7
	if err := tbl.Dispatch(nil, &tf); err != nil {
		t.Fatal(err)
	}
	if tf.X[9] != 0x1000 {
		t.Fatalf("expected a0 == 0x1000, got %#x", tf.X[9])
	}
}

func TestDispatchUnknownNumberReturnsENOSYS(t *testing.T) {
	tbl := NewTable()
	var tf trapcoro.TrapFrame
	tf.X[16] = 0xffff
	if err := tbl.Dispatch(nil, &tf); err != nil {
		t.Fatal(err)
	}
	if int64(tf.X[9]) != -int64(kerr.ENOSYS) {
		t.Fatalf("expected -ENOSYS in a0, got %d", int64(tf.X[9]))
	}
}

func TestDispatchKernelErrorNegatesErrnoIntoA0(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysMmap, func(state any, frame *trapcoro.TrapFrame) error {
		return kerr.NoMemory("syscall", "test")
	})
	var tf trapcoro.TrapFrame
	tf.X[16] = SysMmap
	if err := tbl.Dispatch(nil, &tf); err != nil {
		t.Fatal(err)
	}
	if int64(tf.X[9]) != -int64(kerr.ENOMEM) {
		t.Fatalf("expected -ENOMEM in a0, got %d", int64(tf.X[9]))
	}
}

func TestDispatchExitPropagatesAsError(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysExit, func(state any, frame *trapcoro.TrapFrame) error {
		return &Exit{Code: 7}
	})
	var tf trapcoro.TrapFrame
	tf.X[16] = SysExit
	err := tbl.Dispatch(nil, &tf)
	if err == nil {
		t.Fatal("expected Dispatch to propagate *Exit")
	}
	exit, ok := err.(*Exit)
	if !ok || exit.Code != 7 {
		t.Fatalf("expected *Exit{Code:7}, got %#v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic registering the same syscall number twice")
		}
	}()
	tbl := NewTable()
	tbl.Register(SysBrk, func(any, *trapcoro.TrapFrame) error { return nil })
	tbl.Register(SysBrk, func(any, *trapcoro.TrapFrame) error { return nil })
}
