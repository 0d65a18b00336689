package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"positionwatch/internal/chain"
	"positionwatch/internal/storage"
)

type memCursors struct {
	cursors map[int64]storage.ScanCursor
	upserts int
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: map[int64]storage.ScanCursor{}}
}

func (m *memCursors) GetCursor(ctx context.Context, contractID int64) (*storage.ScanCursor, error) {
	if c, ok := m.cursors[contractID]; ok {
		copied := c
		return &copied, nil
	}
	return nil, nil
}

func (m *memCursors) UpsertCursor(ctx context.Context, cursor storage.ScanCursor) error {
	m.upserts++
	prev, ok := m.cursors[cursor.ContractID]
	if ok && cursor.LastScannedBlock < prev.LastScannedBlock {
		return errors.New("cursor rewound")
	}
	m.cursors[cursor.ContractID] = cursor
	return nil
}

func (m *memCursors) ResetCursor(ctx context.Context, contractID int64, fromBlock uint64) error {
	if fromBlock == 0 {
		delete(m.cursors, contractID)
		return nil
	}
	m.cursors[contractID] = storage.ScanCursor{ContractID: contractID, StartBlock: fromBlock - 1, LastScannedBlock: fromBlock - 1}
	return nil
}

// scriptedClient serves logs per block and can fail specific windows.
type scriptedClient struct {
	head        uint64
	logs        []types.Log
	failWindows map[uint64]error // keyed by window from-block
	throttles   int
}

func (c *scriptedClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head, nil
}

func (c *scriptedClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *scriptedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from := q.FromBlock.Uint64()
	if err, ok := c.failWindows[from]; ok {
		if c.throttles > 0 {
			c.throttles--
			if c.throttles == 0 {
				delete(c.failWindows, from)
			}
			return nil, err
		}
		return nil, err
	}
	to := q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *scriptedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *scriptedClient) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func testContract() storage.MonitoredContract {
	return storage.MonitoredContract{ID: 1, ChainID: 1, Address: "0x00000000000000000000000000000000000000aa", StartBlock: 100, Enabled: true}
}

func fastBackoff() chain.Backoff {
	return chain.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}
}

func TestScanAdvancesCursorPerWindow(t *testing.T) {
	client := &scriptedClient{head: 299}
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 100, Backoff: fastBackoff()}, zerolog.Nop())

	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	cursor := cursors.cursors[1]
	if cursor.LastScannedBlock != 299 {
		t.Fatalf("cursor should reach head, got %d", cursor.LastScannedBlock)
	}
	if cursor.StartBlock != 100 {
		t.Fatalf("start block should be preserved, got %d", cursor.StartBlock)
	}
	if cursors.upserts != 2 {
		t.Fatalf("expected 2 window upserts for [100,299], got %d", cursors.upserts)
	}
}

func TestScanFailedWindowLeavesCursor(t *testing.T) {
	client := &scriptedClient{
		head:        299,
		failWindows: map[uint64]error{200: errors.New("execution reverted")},
	}
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 100, Backoff: fastBackoff()}, zerolog.Nop())

	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		return nil
	})
	if err == nil {
		t.Fatal("fatal window error must propagate")
	}

	cursor := cursors.cursors[1]
	if cursor.LastScannedBlock != 199 {
		t.Fatalf("cursor must stop at last good window, got %d", cursor.LastScannedBlock)
	}
}

func TestScanRetriesThrottledWindow(t *testing.T) {
	client := &scriptedClient{
		head:        199,
		failWindows: map[uint64]error{100: &chain.RateLimitError{Err: errors.New("throttled")}},
	}
	client.throttles = 1 // one throttle, then the window succeeds
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 100, Backoff: fastBackoff()}, zerolog.Nop())

	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		return nil
	})
	if err != nil {
		t.Fatalf("throttled window should succeed after retry: %v", err)
	}
	if cursors.cursors[1].LastScannedBlock != 199 {
		t.Fatalf("cursor should reach head after retry, got %d", cursors.cursors[1].LastScannedBlock)
	}
}

func TestScanDeliversLogsInCanonicalOrder(t *testing.T) {
	client := &scriptedClient{
		head: 150,
		logs: []types.Log{
			{BlockNumber: 120, Index: 3},
			{BlockNumber: 110, Index: 7},
			{BlockNumber: 120, Index: 1},
			{BlockNumber: 105, Index: 0},
		},
	}
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	var seen [][2]uint64
	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		seen = append(seen, [2]uint64{l.BlockNumber, uint64(l.Index)})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := [][2]uint64{{105, 0}, {110, 7}, {120, 1}, {120, 3}}
	if len(seen) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("log %d out of order: got %v want %v", i, seen[i], want[i])
		}
	}
}

func TestScanSkipsUndecodableLogs(t *testing.T) {
	client := &scriptedClient{
		head: 150,
		logs: []types.Log{
			{BlockNumber: 110, Index: 0},
			{BlockNumber: 111, Index: 0},
		},
	}
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	processed := 0
	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		if l.BlockNumber == 110 {
			return ErrSkipLog
		}
		processed++
		return nil
	})
	if err != nil {
		t.Fatalf("skipped logs must not abort the window: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed log, got %d", processed)
	}
	if cursors.cursors[1].LastScannedBlock != 150 {
		t.Fatal("cursor should still advance past skipped logs")
	}
}

func TestScanResumesFromCursor(t *testing.T) {
	client := &scriptedClient{head: 400}
	cursors := newMemCursors()
	cursors.cursors[1] = storage.ScanCursor{ContractID: 1, StartBlock: 100, LastScannedBlock: 300}
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	var fromSeen uint64
	client.logs = []types.Log{{BlockNumber: 250, Index: 0}, {BlockNumber: 350, Index: 0}}
	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		fromSeen = l.BlockNumber
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fromSeen != 350 {
		t.Fatalf("resume must start after cursor; saw log at %d", fromSeen)
	}
}

func TestScanAfterResetIncludesFromBlock(t *testing.T) {
	client := &scriptedClient{head: 400}
	cursors := newMemCursors()
	cursors.cursors[1] = storage.ScanCursor{ContractID: 1, StartBlock: 100, LastScannedBlock: 300}
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	// Rewind to rescan from block 250; the event in block 250 itself must
	// be redelivered.
	if err := cursors.ResetCursor(context.Background(), 1, 250); err != nil {
		t.Fatal(err)
	}

	client.logs = []types.Log{{BlockNumber: 249, Index: 0}, {BlockNumber: 250, Index: 0}}
	var seen []uint64
	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		seen = append(seen, l.BlockNumber)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0] != 250 {
		t.Fatalf("rescan must start at block 250 inclusive, saw %v", seen)
	}
	if cursors.cursors[1].LastScannedBlock != 400 {
		t.Fatalf("cursor should reach head after rescan, got %d", cursors.cursors[1].LastScannedBlock)
	}
}

func TestScanAfterFullResetFallsBackToStartBlock(t *testing.T) {
	client := &scriptedClient{head: 400}
	cursors := newMemCursors()
	cursors.cursors[1] = storage.ScanCursor{ContractID: 1, StartBlock: 100, LastScannedBlock: 300}
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	// A zero reset discards the cursor entirely.
	if err := cursors.ResetCursor(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}

	client.logs = []types.Log{{BlockNumber: 100, Index: 0}}
	var seen []uint64
	err := ix.ScanContract(context.Background(), testContract(), func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		seen = append(seen, l.BlockNumber)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0] != 100 {
		t.Fatalf("full reset must rescan from the contract start block, saw %v", seen)
	}
}

func TestScanDiscoversCreationBlock(t *testing.T) {
	client := &scriptedClient{head: 500}
	cursors := newMemCursors()
	ix := New(client, cursors, Options{WindowSize: 1000, Backoff: fastBackoff()}, zerolog.Nop())

	contract := testContract()
	contract.StartBlock = 0 // forces discovery; scriptedClient has code everywhere, so creation is block 0
	err := ix.ScanContract(context.Background(), contract, func(ctx context.Context, c storage.MonitoredContract, l types.Log) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cursors.cursors[1].StartBlock != 0 {
		t.Fatalf("discovered start block should be 0, got %d", cursors.cursors[1].StartBlock)
	}
}
