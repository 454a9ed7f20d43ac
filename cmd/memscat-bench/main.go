// Command memscat-bench drives a read map against a memsim store (it has
// no option for a live backend), for smoke-testing and for measuring
// prepare/execute/read-out latency outside of a unit test.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	memscat "github.com/go-memscat/memscat"
	"github.com/go-memscat/memscat/backend"
	"github.com/go-memscat/memscat/backend/memsim"
	"github.com/go-memscat/memscat/internal/config"
	"github.com/go-memscat/memscat/internal/logging"
	"github.com/go-memscat/memscat/readmap"
)

func main() {
	var (
		sizeStr  = flag.String("size", "64M", "Size of the simulated memory store (e.g. 64M, 1G)")
		addrStr  = flag.String("addr", "0x1000", "Address to read from, hex or decimal")
		lenFlag  = flag.Uint("len", 64, "Number of bytes to read")
		rounds   = flag.Int("rounds", 1, "Number of scatter rounds to run back to back")
		verbose  = flag.Bool("v", false, "Verbose output")
		physical = flag.Bool("physical", true, "Use the physical address space target")
		writable = flag.Bool("allow-writes", false, "Clear the process-wide MemWriteDisable switch")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *sizeStr, err)
	}
	addr, err := parseAddr(*addrStr)
	if err != nil {
		log.Fatalf("invalid -addr %q: %v", *addrStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *writable {
		config.Default().Set(config.MemWriteDisable, 0)
	}

	store, err := memsim.NewStore(size)
	if err != nil {
		logger.Error("failed to create memsim store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var target memscat.Target
	if *physical {
		target = memscat.Physical
	} else {
		target = memscat.Target(uint32(os.Getpid()))
	}

	rm := readmap.NewWithFactory(target, func() (backend.Resource, error) {
		return memsim.New(store, uint32(target), uint32(memscat.FlagNone))
	})
	defer rm.Close()

	fmt.Printf("memsim store: %s (%d bytes)\n", formatSize(size), size)
	fmt.Printf("target=%#x addr=%#x len=%d rounds=%d\n", uint32(target), addr, *lenFlag, *rounds)

	for i := 0; i < *rounds; i++ {
		round, err := rm.AddRound(memscat.FlagNone)
		if err != nil {
			logger.Error("AddRound failed", "round", i, "error", err)
			os.Exit(1)
		}
		idx := round.Index(0)
		if !readmap.Array[byte](idx, 0, addr, int(*lenFlag)) {
			logger.Error("Array registration failed", "round", i)
			os.Exit(1)
		}
	}

	start := time.Now()
	if err := rm.Execute(); err != nil {
		logger.Error("Execute failed", "error", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	lease, ok := readmap.TryGetArray[byte](rm.Round(*rounds-1).Index(0), 0)
	if !ok {
		logger.Error("final round's read failed")
		os.Exit(1)
	}
	defer lease.Release()

	fmt.Printf("executed %d round(s) in %s\n", *rounds, elapsed)
	fmt.Printf("bytes: %s\n", hexDump(lease.Data()))
	if u64, ok := tryDecodeU64(lease.Data()); ok {
		fmt.Printf("as u64 (little-endian): %#x\n", u64)
	}
}

func tryDecodeU64(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:8]), true
}

func hexDump(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}

// parseAddr parses a hex ("0x...") or decimal address string.
func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
