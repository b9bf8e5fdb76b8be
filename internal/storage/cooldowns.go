package storage

import (
	"context"
	"fmt"
	"time"
)

// LoadCooldowns returns the shared credential-cooldown array, keyed by
// credential index. Indices with no stored entry are zero times. Implements
// keypool.CooldownStore.
func (s *Store) LoadCooldowns(ctx context.Context, n int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key_index, cooldown_until FROM key_cooldowns")
	if err != nil {
		return nil, fmt.Errorf("querying cooldowns: %w", err)
	}
	defer rows.Close()

	out := make([]time.Time, n)
	for rows.Next() {
		var index int
		var until string
		if err := rows.Scan(&index, &until); err != nil {
			return nil, err
		}
		if index < 0 || index >= n {
			continue
		}
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, fmt.Errorf("parsing cooldown for index %d: %w", index, err)
		}
		out[index] = t
	}
	return out, rows.Err()
}

// SaveCooldown records the cooldown expiry for one credential index so
// other process instances sharing the store honor it.
func (s *Store) SaveCooldown(ctx context.Context, index int, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_cooldowns (key_index, cooldown_until) VALUES (?, ?)
		ON CONFLICT(key_index) DO UPDATE SET cooldown_until = excluded.cooldown_until`,
		index, until.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving cooldown: %w", err)
	}
	return nil
}
