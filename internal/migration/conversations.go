// Package migration imports conversation transcripts left behind by a
// predecessor file-based store into the SQLite conversation store. It
// runs once, at startup: every chat_*.txt file not already represented
// by a conversation row is parsed and inserted; already-migrated ids
// are left untouched so a restart never duplicates history.
package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/intelligencedev/localforge/internal/logging"
	"github.com/intelligencedev/localforge/internal/store"
)

// ImportConversations scans dir for chat_*.txt transcripts and inserts
// any whose conversation id isn't already present in st. It returns the
// number of conversations imported. A missing dir is not an error: most
// installs have never had a predecessor store to migrate from.
func ImportConversations(st *store.Store, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("migration: read %s: %w", dir, err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}
		if !strings.HasPrefix(entry.Name(), "chat_") {
			continue
		}
		convID := strings.TrimSuffix(entry.Name(), ".txt")

		if _, err := st.GetConversation(convID); err == nil {
			continue // already migrated
		} else if err != store.ErrNotFound {
			return imported, fmt.Errorf("migration: check %s: %w", convID, err)
		}

		path := filepath.Join(dir, entry.Name())
		if err := importOne(st, path, convID); err != nil {
			logging.Log.WithError(err).Warnf("migration: skipping %s", convID)
			continue
		}
		imported++
	}
	return imported, nil
}

func importOne(st *store.Store, path, convID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	createdAt, ok := parseConversationTimestamp(convID)
	if !ok {
		info, statErr := os.Stat(path)
		if statErr == nil {
			createdAt = info.ModTime()
		} else {
			createdAt = time.Now()
		}
	}

	turns := store.ParseTranscript(string(data))

	var systemPrompt string
	for _, t := range turns {
		if t.Role == store.RoleSystem {
			systemPrompt = t.Content
			break
		}
	}

	if _, err := st.CreateConversation(convID, createdAt, systemPrompt, ""); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	seq := 0
	for _, t := range turns {
		if t.Role == store.RoleSystem {
			continue // already captured on the conversation row
		}
		ts := createdAt.Add(time.Duration(seq) * time.Second)
		if _, err := st.AppendMessage(convID, t.Role, t.Content, ts, false); err != nil {
			return fmt.Errorf("append message %d: %w", seq, err)
		}
		seq++
	}
	return nil
}

// parseConversationTimestamp recovers the instant encoded in an id of
// the shape chat_YYYY-MM-DD-HH-mm-ss-SSS, as minted by
// store.NewConversationID.
func parseConversationTimestamp(convID string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(convID, "chat_")
	if !ok {
		return time.Time{}, false
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 7 {
		return time.Time{}, false
	}

	nums := make([]int, 7)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	year, month, day, hour, minute, second, millis := nums[0], nums[1], nums[2], nums[3], nums[4], nums[5], nums[6]
	t := time.Date(year, time.Month(month), day, hour, minute, second, millis*int(time.Millisecond), time.UTC)
	return t, true
}
