// Package typeregistry implements the `(type_name, assembly_version)`
// registry table from spec.md §3: a referential target for entity rows'
// type_name/assembly_version columns when one physical table is shared by
// several registered entity types.
package typeregistry

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	// TableName is the registry table.
	TableName = `_vstore_type_registry`

	// CreateTableDDL creates it.
	CreateTableDDL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		type_name        TEXT NOT NULL,
		assembly_version TEXT NOT NULL,
		store_type       TEXT NOT NULL,
		serializer_type  TEXT NOT NULL,
		registered_at    TEXT NOT NULL,
		PRIMARY KEY (type_name, assembly_version)
	)`
)

// Entry is one registered type.
type Entry struct {
	TypeName        string
	AssemblyVersion string
	StoreType       string
	SerializerType  string
}

// Register upserts an Entry, idempotent across repeated process starts that
// register the same type.
func Register(ctx context.Context, db *sql.DB, e Entry, nowISO8601 string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO `+TableName+` (type_name, assembly_version, store_type, serializer_type, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (type_name, assembly_version) DO UPDATE SET
			store_type = excluded.store_type,
			serializer_type = excluded.serializer_type
	`, e.TypeName, e.AssemblyVersion, e.StoreType, e.SerializerType, nowISO8601)
	if err != nil {
		return fmt.Errorf("typeregistry: register %s/%s: %w", e.TypeName, e.AssemblyVersion, err)
	}
	return nil
}

// Lookup returns the registered serializer type for (typeName, assemblyVersion),
// letting a later process pick a compatible deserializer (spec.md §4.8).
func Lookup(ctx context.Context, db *sql.DB, typeName, assemblyVersion string) (Entry, bool, error) {
	var e Entry
	e.TypeName, e.AssemblyVersion = typeName, assemblyVersion
	err := db.QueryRowContext(ctx, `
		SELECT store_type, serializer_type FROM `+TableName+` WHERE type_name = ? AND assembly_version = ?
	`, typeName, assemblyVersion).Scan(&e.StoreType, &e.SerializerType)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("typeregistry: lookup %s/%s: %w", typeName, assemblyVersion, err)
	}
	return e, true, nil
}
