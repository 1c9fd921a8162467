package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"willow/internal/config"
	"willow/internal/model"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.TelemetryBatch, logger zerolog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		logger.Info().Msg("file tail ingest disabled")
		return
	}
	for _, path := range current.Files {
		logger.Info().Str("path", path).Bool("start_at_end", current.StartAtEnd).Msg("file tail ingest enabled")
		go tailFile(ctx, path, current.StartAtEnd, current.PollInterval, cfg, out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, poll time.Duration, cfg *config.Manager, out chan<- model.TelemetryBatch, logger zerolog.Logger) {
	logger = logger.With().Str("component", "ingest").Str("path", path).Logger()
	parser := NewParser()
	source := "file/" + path
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				logger.Warn().Err(err).Msg("tail open failed")
				if !BackoffSleep(ctx, poll) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		pending := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					// Keep a partial line until its newline arrives.
					pending += line
					if !BackoffSleep(ctx, poll) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				logger.Warn().Err(err).Msg("tail read error")
				_ = file.Close()
				file = nil
				break
			}
			line, pending = pending+line, ""
			offset += int64(len(line))
			fields, err := parser.ParseLine(line)
			if err != nil || len(fields) == 0 {
				if err != nil {
					logger.Warn().Err(err).Msg("tail parse error")
				}
				continue
			}
			now := time.Now().UTC()
			records, _ := normalizeAll(fields, cfg.Get(), now, logger)
			for _, b := range Group(records, source, 0, now) {
				SendNonBlocking(ctx, out, b, logger)
			}
		}
	}
}

// ReadFile parses a whole telemetry file once and calls fn for each batch.
// Batches carry the line number as sequence so that replaying the same file
// twice is skipped by the actor watermarks.
func ReadFile(ctx context.Context, path string, cfg *config.Config, logger zerolog.Logger, fn func(model.TelemetryBatch) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	parser := NewParser()
	source := "file/" + path
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lineNo int64
	batches := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		lineNo++
		fields, err := parser.ParseLine(scanner.Text())
		if err != nil {
			logger.Warn().Err(err).Int64("line", lineNo).Msg("replay parse error")
			continue
		}
		if len(fields) == 0 {
			continue
		}
		now := time.Now().UTC()
		records, _ := normalizeAll(fields, cfg, now, logger)
		for _, b := range Group(records, source, lineNo, now) {
			if err := fn(b); err != nil {
				return batches, fmt.Errorf("line %d: %w", lineNo, err)
			}
			batches++
		}
	}
	return batches, scanner.Err()
}
