package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/chordkv/internal/config"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/internal/transport"
	"github.com/zde37/chordkv/pkg"
)

// record is one CSV row ready to be stored.
type record struct {
	Line  int
	Key   string
	Value []byte
}

func main() {
	defaults := config.DefaultConfig()

	nodeID := flag.Int64("node", defaults.NodeID, "Id of the node to send data through")
	file := flag.String("file", "", "CSV file to load; the first row is a header")
	host := flag.String("host", defaults.Host, "Host every node listens on")
	basePort := flag.Int("base-port", defaults.BasePort, "Node i listens on base-port+i")
	authToken := flag.String("auth-token", os.Getenv("CHORDKV_AUTH_TOKEN"), "Shared ring token")
	timeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for a single RPC call")
	workers := flag.Int("workers", 8, "Concurrent put_data calls")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level")
	flag.Parse()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = *logLevel
	loggerConfig.Format = "console"
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *file == "" || *nodeID < 0 || *workers <= 0 {
		fmt.Fprintln(os.Stderr, "usage: chordpopulate -node N -file data.csv [-workers W]")
		os.Exit(2)
	}

	fp, err := os.Open(*file)
	if err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("Failed to open data file")
		os.Exit(1)
	}
	defer fp.Close()

	records, err := readRecords(fp, logger)
	if err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("Failed to read data file")
		os.Exit(1)
	}

	client, err := transport.NewGRPCClient(transport.BasePortResolver(*host, *basePort), *authToken, *timeout, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC client")
		os.Exit(1)
	}
	defer client.Close()

	start := time.Now()
	failed := populate(context.Background(), client, ring.ID(*nodeID), records, *workers, logger)

	logger.Info().
		Int("rows", len(records)).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Populate finished")
	if failed > 0 {
		os.Exit(1)
	}
}

// putter is the slice of the RPC client the loader needs.
type putter interface {
	PutData(ctx context.Context, target ring.ID, key string, value []byte) error
}

// readRecords skips the header and keys every row by column 0 joined with
// column 3. The stored value is the row re-encoded as CSV. Rows with fewer
// than four columns are skipped.
func readRecords(r io.Reader, logger *pkg.Logger) ([]record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var records []record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) < 4 {
			logger.Warn().Int("line", line).Int("columns", len(row)).Msg("Skipping short row")
			continue
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		w.Flush()

		records = append(records, record{
			Line:  line,
			Key:   row[0] + row[3],
			Value: bytes.TrimRight(buf.Bytes(), "\n"),
		})
	}
}

// populate sends every record through node with at most workers calls in
// flight and returns how many failed.
func populate(ctx context.Context, client putter, node ring.ID, records []record, workers int, logger *pkg.Logger) int {
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
		jobs   = make(chan record)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				if err := client.PutData(ctx, node, rec.Key, rec.Value); err != nil {
					failed.Add(1)
					logger.Error().Err(err).Int("line", rec.Line).Str("key", rec.Key).Msg("Failed to store row")
					continue
				}
				logger.Debug().Int("line", rec.Line).Str("key", rec.Key).Msg("Row stored")
			}
		}()
	}

	for _, rec := range records {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	return int(failed.Load())
}
