package core

import (
	"context"
	"errors"
	"testing"
)

// TestChan_SendRecv tests the bounded channel
// Given: a channel with capacity 2 and a producer sending 10 values
// When: a consumer receives them
// Then: every value arrives in order
func TestChan_SendRecv(t *testing.T) {
	var got []int
	err := Run(func(ctx context.Context) {
		c := NewChan[int](2)
		Spawn(ctx, func(ctx context.Context) {
			for i := 0; i < 10; i++ {
				if err := c.Send(ctx, i); err != nil {
					t.Errorf("Send(%d) failed: %v", i, err)
					return
				}
			}
			c.Close(ctx)
		})
		Spawn(ctx, func(ctx context.Context) {
			for {
				v, err := c.Recv(ctx)
				if err != nil {
					return
				}
				got = append(got, v)
			}
		})
	}, testConfig("chan"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("received values: got = %d, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("value order: got = %v", got)
		}
	}
}

// TestChan_CloseDrains tests closed-channel semantics
// Given: a channel holding buffered values when it is closed
// When: a consumer keeps receiving
// Then: buffered values drain first, then Recv returns ErrChannelClosed
func TestChan_CloseDrains(t *testing.T) {
	var (
		drained []string
		recvErr error
		sendErr error
	)
	err := Run(func(ctx context.Context) {
		c := NewChan[string](4)
		c.Send(ctx, "a")
		c.Send(ctx, "b")
		c.Close(ctx)

		sendErr = c.Send(ctx, "late")
		for {
			v, err := c.Recv(ctx)
			if err != nil {
				recvErr = err
				break
			}
			drained = append(drained, v)
		}
	}, testConfig("chan-close"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !errors.Is(sendErr, ErrChannelClosed) {
		t.Errorf("Send on closed channel: got = %v, want ErrChannelClosed", sendErr)
	}
	if len(drained) != 2 || drained[0] != "a" || drained[1] != "b" {
		t.Errorf("drained values: got = %v, want [a b]", drained)
	}
	if !errors.Is(recvErr, ErrChannelClosed) {
		t.Errorf("Recv after drain: got = %v, want ErrChannelClosed", recvErr)
	}
}

// TestChan_BlockedRecvWokenByClose verifies Close releases a blocked
// receiver.
func TestChan_BlockedRecvWokenByClose(t *testing.T) {
	var recvErr error
	err := Run(func(ctx context.Context) {
		c := NewChan[int](1)
		Spawn(ctx, func(ctx context.Context) {
			_, recvErr = c.Recv(ctx)
		})
		Yield(ctx) // let the receiver park
		c.Close(ctx)
	}, testConfig("chan-wake"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !errors.Is(recvErr, ErrChannelClosed) {
		t.Errorf("blocked Recv after Close: got = %v, want ErrChannelClosed", recvErr)
	}
}
