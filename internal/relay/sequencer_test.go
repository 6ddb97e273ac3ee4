package relay

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerBlocksSecondHolder(t *testing.T) {
	seq := NewSequencer()
	addr := common.HexToAddress("0x01")

	release, err := seq.Acquire(context.Background(), addr)
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		r, err := seq.Acquire(context.Background(), addr)
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // second call is a no-op

	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("second acquire never got the slot")
	}
}

func TestSequencerHonorsContext(t *testing.T) {
	seq := NewSequencer()
	addr := common.HexToAddress("0x01")

	release, err := seq.Acquire(context.Background(), addr)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = seq.Acquire(ctx, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequencerSlotsArePerAddress(t *testing.T) {
	seq := NewSequencer()

	first, err := seq.Acquire(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	defer first()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := seq.Acquire(ctx, common.HexToAddress("0x02"))
	require.NoError(t, err)
	second()
}
