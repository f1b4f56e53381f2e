package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bitvavo-trader/internal/bus"
)

// fakeStore answers KV reads from maps and fails the keys listed in failing.
type fakeStore struct {
	values  map[string]string
	hashes  map[string]map[string]string
	failing map[string]error
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if err := f.failing[key]; err != nil {
		return "", err
	}
	return f.values[key], nil
}

func (f *fakeStore) HLen(_ context.Context, key string) (int64, error) {
	if err := f.failing[key]; err != nil {
		return 0, err
	}
	return int64(len(f.hashes[key])), nil
}

func (f *fakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if err := f.failing[key]; err != nil {
		return nil, err
	}
	return f.hashes[key], nil
}

func TestReadGuardStateParsesEveryInput(t *testing.T) {
	t.Parallel()

	kv := &fakeStore{
		values: map[string]string{
			"trading:kill":       "1",
			bus.KeyEURAvailable:  "123.45",
			bus.KeySlotBudgetEUR: "40",
		},
		hashes: map[string]map[string]string{
			bus.KeyPositions: {"BTC-EUR": "25", "ETH-EUR": "25"},
			bus.KeyExposure:  {bus.GlobalExposureField: "50", "BTC-EUR": "25"},
		},
	}

	st, err := readGuardState(context.Background(), kv, "trading:kill", "BTC-EUR")
	if err != nil {
		t.Fatalf("readGuardState: %v", err)
	}
	if !st.KillSwitch {
		t.Fatal("kill switch not read")
	}
	if st.PositionsCount != 2 {
		t.Fatalf("positions = %d, want 2", st.PositionsCount)
	}
	if st.GlobalExposure != 50 || st.AssetExposure != 25 {
		t.Fatalf("exposure = %v/%v, want 50/25", st.GlobalExposure, st.AssetExposure)
	}
	if st.EURAvailable != 123.45 || st.SlotBudgetEUR != 40 {
		t.Fatalf("eur = %v, budget = %v", st.EURAvailable, st.SlotBudgetEUR)
	}
}

func TestReadGuardStateFailsOnAnyBrokenRead(t *testing.T) {
	t.Parallel()

	// Every key the reader touches must surface its failure; a silent zero
	// would let the balance guard wave an intent through.
	keys := []string{"trading:kill", bus.KeyPositions, bus.KeyExposure, bus.KeyEURAvailable, bus.KeySlotBudgetEUR}
	for _, key := range keys {
		kv := &fakeStore{failing: map[string]error{key: errors.New("connection refused")}}
		_, err := readGuardState(context.Background(), kv, "trading:kill", "BTC-EUR")
		if err == nil {
			t.Fatalf("broken read of %q returned no error", key)
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("error for %q does not wrap the cause: %v", key, err)
		}
	}
}
