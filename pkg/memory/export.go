package memory

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nstogner/sectoragent/pkg/domain"
)

// ErrUnsupportedFormat is returned by Export and Parse for unknown formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format names an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatCSV  Format = "csv"
)

const textSeparator = "================================================================================"

var csvHeader = []string{"conversation_id", "role", "content", "timestamp"}

// Export serialises the conversation's full history, system entries
// included.
func (s *Store) Export(conversationID int64, format Format) (string, error) {
	entries := s.snapshot(conversationID)
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		return string(data), nil

	case FormatText:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Conversation ID: %d\n", conversationID)
		fmt.Fprintf(&sb, "Exported at: %s\n", s.now().UTC().Format(time.RFC3339))
		sb.WriteString(textSeparator + "\n\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "[%s] %s\n", strings.ToUpper(string(e.Role)), e.Timestamp.Format(time.RFC3339Nano))
			sb.WriteString(e.Content)
			sb.WriteString("\n\n")
		}
		return sb.String(), nil

	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return "", fmt.Errorf("encode csv: %w", err)
		}
		for _, e := range entries {
			row := []string{
				strconv.FormatInt(e.ConversationID, 10),
				string(e.Role),
				e.Content,
				e.Timestamp.Format(time.RFC3339Nano),
			}
			if err := w.Write(row); err != nil {
				return "", fmt.Errorf("encode csv: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", fmt.Errorf("encode csv: %w", err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Parse decodes an export produced by Export. Text exports carry no entry
// ids, so parsed entries have ID 0.
func Parse(format Format, data string) ([]domain.ConversationEntry, error) {
	switch format {
	case FormatJSON:
		var entries []domain.ConversationEntry
		if err := json.Unmarshal([]byte(data), &entries); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return entries, nil
	case FormatText:
		return parseText(data)
	case FormatCSV:
		return parseCSV(data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

var (
	textIDLine    = regexp.MustCompile(`(?m)^Conversation ID: (-?\d+)$`)
	textEntryLine = regexp.MustCompile(`(?m)^\[([A-Z]+)\] (\S+)\n`)
)

func parseText(data string) ([]domain.ConversationEntry, error) {
	var conversationID int64
	if m := textIDLine.FindStringSubmatch(data); m != nil {
		conversationID, _ = strconv.ParseInt(m[1], 10, 64)
	}
	sep := strings.Index(data, textSeparator)
	if sep < 0 {
		return nil, errors.New("decode text: missing separator")
	}
	body := strings.TrimPrefix(data[sep+len(textSeparator):], "\n\n")

	locs := textEntryLine.FindAllStringSubmatchIndex(body, -1)
	entries := make([]domain.ConversationEntry, 0, len(locs))
	for i, loc := range locs {
		ts, err := time.Parse(time.RFC3339Nano, body[loc[4]:loc[5]])
		if err != nil {
			return nil, fmt.Errorf("decode text: entry %d: %w", i, err)
		}
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		entries = append(entries, domain.ConversationEntry{
			ConversationID: conversationID,
			Role:           domain.Role(strings.ToLower(body[loc[2]:loc[3]])),
			Content:        strings.TrimSuffix(body[loc[1]:end], "\n\n"),
			Timestamp:      ts,
			Metadata:       map[string]any{},
		})
	}
	return entries, nil
}

func parseCSV(data string) ([]domain.ConversationEntry, error) {
	records, err := csv.NewReader(strings.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("decode csv: missing header")
	}
	entries := make([]domain.ConversationEntry, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(csvHeader) {
			return nil, fmt.Errorf("decode csv: row %d: want %d fields, got %d", i+1, len(csvHeader), len(rec))
		}
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode csv: row %d: %w", i+1, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[3])
		if err != nil {
			return nil, fmt.Errorf("decode csv: row %d: %w", i+1, err)
		}
		entries = append(entries, domain.ConversationEntry{
			ConversationID: id,
			Role:           domain.Role(rec[1]),
			Content:        rec[2],
			Timestamp:      ts,
			Metadata:       map[string]any{},
		})
	}
	return entries, nil
}
