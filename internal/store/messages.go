package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailkit/maildepot/internal/msghdr"
)

// UpsertMessages bulk-inserts or replaces index rows for folderID, used by
// StoreIndexer after a full folder scan. Existing rows for the given msg
// keys are overwritten in place.
func (d *DB) UpsertMessages(folderID int64, hdrs []*msghdr.MsgHdr) error {
	if len(hdrs) == 0 {
		return nil
	}
	const cols = 23
	return d.withTx(func(tx *sql.Tx) error {
		return insertInChunks(tx, len(hdrs), cols,
			`INSERT OR REPLACE INTO msg_headers (folder_id, msg_key, store_token, flags,
				priority, date, message_id, message_references, sender, recipients, cc, bcc,
				subject, charset, account_key, keywords, message_size, line_count,
				offline_message_size, thread_id, thread_parent, message_offset, properties) VALUES `,
			func(start, end int) ([]string, []interface{}) {
				values := make([]string, 0, end-start)
				args := make([]interface{}, 0, (end-start)*cols)
				for i := start; i < end; i++ {
					h := hdrs[i]
					props, err := json.Marshal(h.Properties)
					if err != nil {
						props = []byte("{}")
					}
					values = append(values, "(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")
					args = append(args, folderID, h.MsgKey, h.StoreToken, uint32(h.Flags),
						int(h.Priority), h.Date, h.MessageID, strings.Join(h.References, ","),
						h.From, h.To, h.Cc, h.Bcc, h.Subject, h.Charset, h.AccountKey,
						strings.Join(h.Keywords, " "), h.MessageSize, h.LineCount,
						h.OfflineMessageSize, h.ThreadID, h.ThreadParent, h.MessageOffset, string(props))
				}
				return values, args
			})
	})
}

// NextMsgKey returns the next unused msg_key for folderID: the
// database-assigned identifier spec §3 describes as unique within the
// folder and monotonically increasing.
func (d *DB) NextMsgKey(folderID int64) (int64, error) {
	var max sql.NullInt64
	row := d.db.QueryRow(`SELECT MAX(msg_key) FROM msg_headers WHERE folder_id = ?`, folderID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next msg key: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

// ScanMessages returns every indexed message in folderID, ordered by
// msg_key, as used by compaction (retention queries) and CLI stats.
func (d *DB) ScanMessages(folderID int64) ([]*msghdr.MsgHdr, error) {
	rows, err := d.db.Query(`
		SELECT msg_key, store_token, flags, priority, date, message_id, message_references,
			sender, recipients, cc, bcc, subject, charset, account_key, keywords,
			message_size, line_count, offline_message_size, thread_id, thread_parent,
			message_offset, properties
		FROM msg_headers WHERE folder_id = ? ORDER BY msg_key
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	defer rows.Close()

	var out []*msghdr.MsgHdr
	for rows.Next() {
		h := &msghdr.MsgHdr{}
		var flags uint32
		var priority int
		var references, keywords, props string
		if err := rows.Scan(&h.MsgKey, &h.StoreToken, &flags, &priority, &h.Date, &h.MessageID,
			&references, &h.From, &h.To, &h.Cc, &h.Bcc, &h.Subject, &h.Charset, &h.AccountKey,
			&keywords, &h.MessageSize, &h.LineCount, &h.OfflineMessageSize, &h.ThreadID,
			&h.ThreadParent, &h.MessageOffset, &props); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		populateMsgHdr(h, flags, priority, references, keywords, props)
		out = append(out, h)
	}
	return out, rows.Err()
}

// MessageByMessageID looks up one indexed message by its backup-lookup key
// (spec §4.8's sticky-metadata carryover during reindex).
func (d *DB) MessageByMessageID(folderID int64, messageID string) (*msghdr.MsgHdr, error) {
	row := d.db.QueryRow(`
		SELECT msg_key, store_token, flags, priority, date, message_id, message_references,
			sender, recipients, cc, bcc, subject, charset, account_key, keywords,
			message_size, line_count, offline_message_size, thread_id, thread_parent,
			message_offset, properties
		FROM msg_headers WHERE folder_id = ? AND message_id = ? LIMIT 1
	`, folderID, messageID)

	h := &msghdr.MsgHdr{}
	var flags uint32
	var priority int
	var references, keywords, props string
	err := row.Scan(&h.MsgKey, &h.StoreToken, &flags, &priority, &h.Date, &h.MessageID,
		&references, &h.From, &h.To, &h.Cc, &h.Bcc, &h.Subject, &h.Charset, &h.AccountKey,
		&keywords, &h.MessageSize, &h.LineCount, &h.OfflineMessageSize, &h.ThreadID,
		&h.ThreadParent, &h.MessageOffset, &props)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	populateMsgHdr(h, flags, priority, references, keywords, props)
	return h, nil
}

// populateMsgHdr fills in the fields that need decoding from their
// flattened column representation after a Scan.
func populateMsgHdr(h *msghdr.MsgHdr, flags uint32, priority int, references, keywords, props string) {
	h.Flags = msghdr.Flags(flags)
	h.Priority = msghdr.Priority(priority)
	if references != "" {
		h.References = strings.Split(references, ",")
	}
	if keywords != "" {
		h.Keywords = strings.Split(keywords, " ")
	}
	if props != "" && props != "{}" {
		var m map[string]string
		if err := json.Unmarshal([]byte(props), &m); err == nil {
			h.Properties = m
		}
	}
}

// UpdateFlags persists a flags change already written in-place to the
// backing store (spec §4.6 changeFlags), keeping the index in sync.
func (d *DB) UpdateFlags(folderID, msgKey int64, flags msghdr.Flags) error {
	_, err := d.db.Exec(`UPDATE msg_headers SET flags = ? WHERE folder_id = ? AND msg_key = ?`,
		uint32(flags), folderID, msgKey)
	return err
}

// UpdateKeywords persists a keywords change already written in-place to the
// backing store (spec §4.6 changeKeywords). growKeywords mirrors whether the
// rewrite didn't fit in the existing X-Mozilla-Keys width.
func (d *DB) UpdateKeywords(folderID, msgKey int64, keywords []string, growKeywords bool) error {
	_, err := d.db.Exec(`UPDATE msg_headers SET keywords = ?, grow_keywords = ? WHERE folder_id = ? AND msg_key = ?`,
		strings.Join(keywords, " "), boolToInt(growKeywords), folderID, msgKey)
	return err
}

// RetokenMessage rewrites a message's store token and offset after
// compaction moves it to a new position in the backing store.
func (d *DB) RetokenMessage(folderID, msgKey int64, storeToken string, offset int64) error {
	_, err := d.db.Exec(`UPDATE msg_headers SET store_token = ?, message_offset = ? WHERE folder_id = ? AND msg_key = ?`,
		storeToken, offset, folderID, msgKey)
	return err
}

// DeleteMessages removes index rows for the given msg keys, used once
// compaction has physically discarded the corresponding messages.
func (d *DB) DeleteMessages(folderID int64, msgKeys []int64) error {
	if len(msgKeys) == 0 {
		return nil
	}
	const chunkSize = 500
	return d.withTx(func(tx *sql.Tx) error {
		for i := 0; i < len(msgKeys); i += chunkSize {
			end := i + chunkSize
			if end > len(msgKeys) {
				end = len(msgKeys)
			}
			chunk := msgKeys[i:end]

			placeholders := make([]string, len(chunk))
			args := make([]interface{}, 0, len(chunk)+1)
			args = append(args, folderID)
			for j, key := range chunk {
				placeholders[j] = "?"
				args = append(args, key)
			}

			query := fmt.Sprintf(`DELETE FROM msg_headers WHERE folder_id = ? AND msg_key IN (%s)`,
				strings.Join(placeholders, ","))
			if _, err := tx.Exec(query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}
