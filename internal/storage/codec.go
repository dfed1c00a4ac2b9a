package storage

import (
	"encoding/json"
	"strings"
	"time"

	"notifyhub/internal/notification"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

type recordColumns struct {
	data       []byte
	actions    []byte
	recipients []byte
}

func encodeRecordColumns(rec *notification.Record) (recordColumns, error) {
	var (
		c   recordColumns
		err error
	)
	if len(rec.Data) > 0 {
		if c.data, err = json.Marshal(rec.Data); err != nil {
			return c, err
		}
	}
	if len(rec.Actions) > 0 {
		if c.actions, err = json.Marshal(rec.Actions); err != nil {
			return c, err
		}
	}
	recipients := rec.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	if c.recipients, err = json.Marshal(recipients); err != nil {
		return c, err
	}
	return c, nil
}

func (c recordColumns) decodeInto(rec *notification.Record) error {
	if len(c.data) > 0 {
		if err := json.Unmarshal(c.data, &rec.Data); err != nil {
			return err
		}
	}
	if len(c.actions) > 0 {
		if err := json.Unmarshal(c.actions, &rec.Actions); err != nil {
			return err
		}
	}
	if len(c.recipients) > 0 {
		if err := json.Unmarshal(c.recipients, &rec.Recipients); err != nil {
			return err
		}
	}
	if len(rec.Recipients) == 0 {
		rec.Recipients = nil
	}
	return nil
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func msPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := msToTime(*ms)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
