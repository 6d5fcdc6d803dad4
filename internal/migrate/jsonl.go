// Package migrate moves cached conversations in and out of JSONL files, one
// conversation document per line with its messages embedded.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// maxLine bounds a single conversation document.
const maxLine = 16 << 20

// Source lists cached conversations. *repository.Repository satisfies it.
type Source interface {
	GetRecentConversations(ctx context.Context, limit int) ([]*schema.Conversation, error)
}

// Sink stores conversation documents. *repository.Repository satisfies it.
type Sink interface {
	SaveConversationJSON(ctx context.Context, data []byte) error
}

// MigrateResult contains statistics about an export or import
type MigrateResult struct {
	Exported      int      `json:"exported" yaml:"exported"`
	Imported      int      `json:"imported" yaml:"imported"`
	Skipped       int      `json:"skipped" yaml:"skipped"`
	BackupCreated string   `json:"backup_created,omitempty" yaml:"backup_created,omitempty"`
	Errors        []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ExportJSONL writes every cached conversation to w, most recent first.
func ExportJSONL(ctx context.Context, src Source, w io.Writer) (*MigrateResult, error) {
	convs, err := src.GetRecentConversations(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	result := &MigrateResult{}
	enc := json.NewEncoder(w)
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := enc.Encode(conv); err != nil {
			return result, fmt.Errorf("failed to write conversation %s: %w", conv.ConversationID, err)
		}
		result.Exported++
	}
	return result, nil
}

// ExportFile exports to path atomically via a temp file. With backup set,
// an existing file is copied aside first.
func ExportFile(ctx context.Context, src Source, path string, backup bool) (*MigrateResult, error) {
	var backupPath string
	if backup {
		if input, err := os.ReadFile(path); err == nil {
			backupPath = path + ".backup." + time.Now().Format("20060102-150405")
			if err := os.WriteFile(backupPath, input, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s for backup: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(file)
	result, err := ExportJSONL(ctx, src, bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	result.BackupCreated = backupPath
	return result, nil
}

// ImportJSONL saves each line of r through dst. Lines that fail validation
// or are not JSON are counted as skipped and reported in Errors; storage
// failures stop the import.
func ImportJSONL(ctx context.Context, dst Sink, r io.Reader) (*MigrateResult, error) {
	result := &MigrateResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		err := dst.SaveConversationJSON(ctx, append([]byte(nil), line...))
		var vErr *schema.ValidationError
		switch {
		case err == nil:
			result.Imported++
		case errors.As(err, &vErr):
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		default:
			return result, fmt.Errorf("failed to import line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, dst Sink, path string) (*MigrateResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ImportJSONL(ctx, dst, file)
}
