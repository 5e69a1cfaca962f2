// Package integrity detects divergence of the builtin policy tables from
// their recorded digest and repairs them from the embedded seed.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Dicklesworthstone/warden/internal/db"
)

// ComputeDigest hashes every builtin table in db.BuiltinTables order. Each
// row is serialised as RFC 8785 canonical JSON keyed by column name, so the
// result depends only on table contents.
func ComputeDigest(ctx context.Context, q db.Querier) (string, error) {
	h := sha256.New()
	for _, table := range db.BuiltinTables {
		n, err := digestTable(ctx, q, table, func(row []byte) {
			h.Write(row)
			h.Write([]byte{'\n'})
		})
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "#%s:%d\n", table.Name, n)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TableDigests hashes each builtin table separately. They are recorded
// alongside the overall digest and compared on a mismatch.
func TableDigests(ctx context.Context, q db.Querier) (map[string]string, error) {
	out := make(map[string]string, len(db.BuiltinTables))
	for _, table := range db.BuiltinTables {
		h := sha256.New()
		if _, err := digestTable(ctx, q, table, func(row []byte) {
			h.Write(row)
			h.Write([]byte{'\n'})
		}); err != nil {
			return nil, err
		}
		out[table.Name] = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}

func digestTable(ctx context.Context, q db.Querier, table db.BuiltinTable, emit func([]byte)) (int, error) {
	rows, err := q.QueryContext(ctx, `SELECT * FROM `+table.Name+` ORDER BY `+table.OrderBy)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("reading %s columns: %w", table.Name, err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("scanning %s: %w", table.Name, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[c] = string(v)
			default:
				row[c] = v
			}
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("encoding %s row: %w", table.Name, err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return 0, fmt.Errorf("canonicalising %s row: %w", table.Name, err)
		}
		emit(canonical)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating %s: %w", table.Name, err)
	}
	return n, nil
}

// recordDigest stores digest and the per-table digests behind it.
func recordDigest(ctx context.Context, q db.Querier, digest string) error {
	tables, err := TableDigests(ctx, q)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("encoding table digests: %w", err)
	}
	if err := db.SetMetadataTx(ctx, q, db.MetaBuiltinDigest, digest); err != nil {
		return err
	}
	return db.SetMetadataTx(ctx, q, db.MetaTableDigests, string(raw))
}

// diffTables names the builtin tables whose contents differ from the
// recorded per-table digests, in db.BuiltinTables order. It returns nil
// when none were recorded.
func diffTables(ctx context.Context, q db.Querier) ([]string, error) {
	raw, ok, err := db.GetMetadataTx(ctx, q, db.MetaTableDigests)
	if err != nil || !ok {
		return nil, err
	}
	var recorded map[string]string
	if err := json.Unmarshal([]byte(raw), &recorded); err != nil {
		return nil, fmt.Errorf("decoding table digests: %w", err)
	}
	current, err := TableDigests(ctx, q)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, table := range db.BuiltinTables {
		if recorded[table.Name] != current[table.Name] {
			changed = append(changed, table.Name)
		}
	}
	return changed, nil
}
