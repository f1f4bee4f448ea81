package translator

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zboralski/arcross/internal/log"
)

// Report is the stats document emitted on teardown. It is best effort:
// partial counters from an aborted run are acceptable.
type Report struct {
	BinaryID       string         `json:"binary_id"`
	ExecutionStats ExecutionStats `json:"execution_stats"`
	TopBlocks      []BlockStat    `json:"top_blocks"`
}

// ExecutionStats groups the per-subsystem counters.
type ExecutionStats struct {
	Blocks     BlockCounters `json:"blocks"`
	Cache      CacheCounters `json:"cache"`
	Signatures SigCounters   `json:"signatures"`
}

// BlockCounters summarises the run loop.
type BlockCounters struct {
	Dispatched uint64 `json:"dispatched"`
	Unique     int    `json:"unique"`
}

// CacheCounters mirrors the cache's hit statistics.
type CacheCounters struct {
	L1Hits  uint64 `json:"l1_hits"`
	L2Hits  uint64 `json:"l2_hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// SigCounters summarises the signature store.
type SigCounters struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// BlockStat is one row of the top-blocks table.
type BlockStat struct {
	Address    string `json:"address"`
	Executions uint32 `json:"executions"`
}

// topBlockCount is how many rows the report's top-blocks table holds.
const topBlockCount = 10

// Stats assembles the current report.
func (t *Translator) Stats() Report {
	cs := t.cache.GetStats()

	byType := make(map[string]int)
	for typ, n := range t.sigs.TypeStats() {
		byType[typ.String()] = n
	}

	hot := make([]HotBlock, 0, len(t.execCount))
	for addr, count := range t.execCount {
		hot = append(hot, HotBlock{Addr: addr, Count: count})
	}
	sortHotBlocks(hot)
	if len(hot) > topBlockCount {
		hot = hot[:topBlockCount]
	}
	top := make([]BlockStat, len(hot))
	for i, hb := range hot {
		top[i] = BlockStat{Address: log.Hex(hb.Addr), Executions: hb.Count}
	}

	return Report{
		BinaryID: t.binaryID,
		ExecutionStats: ExecutionStats{
			Blocks: BlockCounters{
				Dispatched: t.dispatched,
				Unique:     len(t.execCount),
			},
			Cache: CacheCounters{
				L1Hits:  cs.L1Hits,
				L2Hits:  cs.L2Hits,
				Misses:  cs.Misses,
				Entries: cs.Entries,
			},
			Signatures: SigCounters{
				Total:  t.sigs.Len(),
				ByType: byType,
			},
		},
		TopBlocks: top,
	}
}

// SaveStats writes the report as indented JSON.
func (t *Translator) SaveStats(path string) error {
	data, err := json.MarshalIndent(t.Stats(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// SaveState persists the binary id and the execution counters so a later
// session can resume hot-block tracking.
func (t *Translator) SaveState(path string) error {
	if t.binaryID == "" {
		return ErrNoBinary
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer f.Close()

	id := []byte(t.binaryID)
	if err := binary.Write(f, binary.LittleEndian, uint32(len(id))); err != nil {
		return err
	}
	if _, err := f.Write(id); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(t.execCount))); err != nil {
		return err
	}
	for addr, count := range t.execCount {
		if err := binary.Write(f, binary.LittleEndian, addr); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, count); err != nil {
			return err
		}
	}
	return nil
}

// LoadState restores the binary id and execution counters saved by
// SaveState. Only the tracking state returns; the caller still loads the
// binary itself.
func (t *Translator) LoadState(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	var idLen uint32
	if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
		return fmt.Errorf("read state header: %w", err)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(f, id); err != nil {
		return fmt.Errorf("read binary id: %w", err)
	}

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read counter count: %w", err)
	}

	execCount := make(map[uint64]uint32, count)
	for i := uint32(0); i < count; i++ {
		var addr uint64
		var n uint32
		if err := binary.Read(f, binary.LittleEndian, &addr); err != nil {
			return fmt.Errorf("read counter %d: %w", i, err)
		}
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("read counter %d: %w", i, err)
		}
		execCount[addr] = n
	}

	t.binaryID = string(id)
	t.execCount = execCount
	return nil
}
