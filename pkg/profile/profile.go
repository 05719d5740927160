/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package profile is a read-only accessor over the profiler's shared
// sqlite database (§3, §6): the service_profile table (priority, min/max
// container counts, resource/qos derivations) and the node_resource_status
// table (cached per-node free-capacity snapshots). The profiler owns
// schema creation and writes; this package only ever reads.
package profile

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite3 driver, registered as "sqlite"
)

// ServiceProfile is one row of service_profile (§3).
type ServiceProfile struct {
	Service         string
	CreationTimeUs  int64
	TWarm           float64
	TCold           float64
	TExecute        float64
	Weight          int64
	QoS             float64
	MaxContainer    int64
	MinContainer    int64
	ActiveContainer int64
	RequestCount    int64
}

// NodeResourceSnapshot is one row of node_resource_status (§3).
type NodeResourceSnapshot struct {
	NodeName            string
	CPUAllocatableM      int64
	CPUFreeM             int64
	MemAllocatableBytes  int64
	MemFreeBytes         int64
	LastUpdatedUs        int64
}

// Store is a read-only handle onto the profiler's database. It is safe for
// concurrent use by multiple goroutines (§9: "the store's connection must
// be thread-safe, or each worker must hold its own handle") — database/sql
// connection pools are inherently safe for concurrent use, which satisfies
// this without requiring per-worker handles.
type Store struct {
	db *sql.DB
}

// Open opens the sqlite database at path in read-only mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening profile store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging profile store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetService fetches a single service's profile. Missing rows return
// (nil, nil) — treated as missing data per §7, the caller decides the
// no-op fallback.
func (s *Store) GetService(ctx context.Context, service string) (*ServiceProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT service, creation_time, t_warm, t_cold, t_execute, weight, qos,
		       max_container, min_container, active_container, request_cnt
		FROM service_profile WHERE service = ?`, service)
	p, err := scanServiceProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying service profile for %q: %w", service, err)
	}
	return p, nil
}

// CandidateServices returns every service other than exclude (the trigger,
// never a victim per the GLOSSARY), ordered by (t_cold ASC, weight ASC,
// service ASC) — the tie-break resolved in SPEC_FULL.md §E. This is the
// single source of victim precedence (§4.3 "Candidate ordering").
func (s *Store) CandidateServices(ctx context.Context, exclude string) ([]ServiceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, creation_time, t_warm, t_cold, t_execute, weight, qos,
		       max_container, min_container, active_container, request_cnt
		FROM service_profile
		WHERE service != ?
		ORDER BY t_cold ASC, weight ASC, service ASC`, exclude)
	if err != nil {
		return nil, fmt.Errorf("listing candidate services: %w", err)
	}
	defer rows.Close()

	var out []ServiceProfile
	for rows.Next() {
		p, err := scanServiceProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate service: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServiceProfile(row scanner) (*ServiceProfile, error) {
	var p ServiceProfile
	if err := row.Scan(
		&p.Service, &p.CreationTimeUs, &p.TWarm, &p.TCold, &p.TExecute,
		&p.Weight, &p.QoS, &p.MaxContainer, &p.MinContainer,
		&p.ActiveContainer, &p.RequestCount,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// NodeSnapshots returns the cached per-node free-capacity estimates,
// ordered by node name ascending (SPEC_FULL.md §E: node enumeration order).
// The planner uses these only to seed Level-2 accumulators (§9 "Planner
// locality"); live per-candidate-node reads go through the orchestrator.
func (s *Store) NodeSnapshots(ctx context.Context) ([]NodeResourceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_name, cpu_allocatable_m, cpu_free_m, mem_allocatable_bytes,
		       mem_free_bytes, last_updated
		FROM node_resource_status
		ORDER BY node_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing node snapshots: %w", err)
	}
	defer rows.Close()

	var out []NodeResourceSnapshot
	for rows.Next() {
		var n NodeResourceSnapshot
		if err := rows.Scan(&n.NodeName, &n.CPUAllocatableM, &n.CPUFreeM,
			&n.MemAllocatableBytes, &n.MemFreeBytes, &n.LastUpdatedUs); err != nil {
			return nil, fmt.Errorf("scanning node snapshot: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
