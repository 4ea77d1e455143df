package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is the resumable state of a world at a tick boundary.
// Tick-scoped collections are empty at that point and are not captured.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Currency    string           `json:"currency"`
	Authority   int64            `json:"authority"`
	Seeded      bool             `json:"seeded"`
	Baseline    int64            `json:"baseline"`
	Expected    map[string]int64 `json:"expected"`
	NextAgentID int64            `json:"next_agent_id"`

	Agents   []AgentV1          `json:"agents"`
	Inactive []InactiveV1       `json:"inactive,omitempty"`
	Ledger   []LedgerEntryV1    `json:"ledger"`
	Deferred []DeferredV1       `json:"deferred,omitempty"`
	Params   map[string]float64 `json:"params"`

	Estates      []EstateV1      `json:"estates,omitempty"`
	Liquidations []LiquidationV1 `json:"liquidations,omitempty"`
}

type AgentV1 struct {
	ID       int64            `json:"id"`
	Kind     string           `json:"kind"`
	Name     string           `json:"name"`
	Balances map[string]int64 `json:"balances"`
}

type InactiveV1 struct {
	ID   int64  `json:"id"`
	Tick uint64 `json:"tick"`
}

type LedgerEntryV1 struct {
	Seq      uint64 `json:"seq"`
	Tick     uint64 `json:"tick"`
	Kind     string `json:"kind"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

type DeferredV1 struct {
	Due      uint64            `json:"due"`
	BuyerID  int64             `json:"buyer_id"`
	SellerID int64             `json:"seller_id"`
	ItemID   string            `json:"item_id"`
	Quantity int64             `json:"quantity"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Type     string            `json:"type"`
	Tick     uint64            `json:"tick"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EstateV1 carries open and closed estates so a resumed run can keep
// distributing and closing them under the same ids.
type EstateV1 struct {
	ID          uint64 `json:"id"`
	Deceased    int64  `json:"deceased"`
	Currency    string `json:"currency"`
	OpenedTick  uint64 `json:"opened_tick"`
	Escrow      int64  `json:"escrow"`
	Distributed int64  `json:"distributed"`
	Leaked      int64  `json:"leaked"`
	Skipped     int    `json:"skipped"`
	Status      string `json:"status"`
}

type LiquidationV1 struct {
	Agent     int64  `json:"agent"`
	Tick      uint64 `json:"tick"`
	Inventory int64  `json:"inventory"`
	Capital   int64  `json:"capital"`
	Recovered int64  `json:"recovered"`
	Loss      int64  `json:"loss"`
	Escheated int64  `json:"escheated"`
	Reason    string `json:"reason"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is duplicated inside the gob payload.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d: unsupported", snap.Header.Version)
	}
	return snap, nil
}

// PathFor returns the conventional snapshot path for tick under dir.
func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.snap.zst", tick))
}

// Latest returns the newest snapshot path in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	// zero-padded names sort by tick
	latest := matches[0]
	for _, m := range matches[1:] {
		if m > latest {
			latest = m
		}
	}
	return latest, nil
}
