// Package persistence implements the calendar repositories on PostgreSQL.
//
// Every query that serves a tenant carries the tenant id in its WHERE
// clause; handing a repository a foreign aggregate fails before any SQL
// runs. The *All scans the background workers use are the only queries
// without a tenant bound, mirroring the repository ports.
//
// Repositories resolve their executor per call through
// database.ExecutorFromContext, so work enlists in an ambient transaction
// when a unit of work opened one and runs on the pool otherwise.
package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// nilableUUID maps the uuid.Nil sentinel to a SQL NULL.
func nilableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// uuidOrNil maps a SQL NULL back to the uuid.Nil sentinel.
func uuidOrNil(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// marshalMeta serializes a metadata map for a jsonb column. Empty maps are
// stored as NULL so unused metadata costs nothing per row.
func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

// unmarshalMeta deserializes a jsonb column, mapping NULL to no metadata.
func unmarshalMeta(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

// uuidsToStrings renders bundle member ids for a text[] column, keeping
// order.
func uuidsToStrings(ids []uuid.UUID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// stringsToUUIDs parses a text[] column back into ids.
func stringsToUUIDs(values []string) ([]uuid.UUID, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(values))
	for i, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parse stored id %q: %w", v, err)
		}
		out[i] = id
	}
	return out, nil
}
