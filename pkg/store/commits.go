package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
)

// Persist appends the change log and folds its entries into the node tables
// in one transaction. The assigned sequence number is written back to
// log.Seq.
func (s *Store) Persist(ctx context.Context, log *graph.ChangeLog) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal change log: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits (commit_id, graph, writer_id, committed_at, entry_count, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.ID, log.Graph, log.WriterID, log.CommittedAt.UTC(), len(log.Entries), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert commit: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read commit sequence: %w", err)
	}

	for i := range log.Entries {
		if err := applyEntry(ctx, tx, log.Graph, &log.Entries[i]); err != nil {
			return fmt.Errorf("failed to apply entry %d (%s): %w", i, log.Entries[i].Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Seq = seq
	return nil
}

func applyEntry(ctx context.Context, tx *sql.Tx, graphName string, e *graph.Entry) error {
	id := string(e.Node.ID)

	switch e.Kind {
	case graph.NodeInserted:
		n := e.Node
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (graph, node_id, kind, type, created_at, subject_id, object_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, graphName, id, string(n.Kind), n.Type, n.CreatedAt.UTC(), string(n.Subject), string(n.Object)); err != nil {
			return err
		}
		for name, v := range n.Properties {
			if err := upsertProperty(ctx, tx, graphName, id, name, v); err != nil {
				return err
			}
		}
		for _, t := range n.Tags {
			if err := insertMembership(ctx, tx, graphName, id, namespaceTag, t); err != nil {
				return err
			}
		}
		for _, g := range n.Groups {
			if err := insertMembership(ctx, tx, graphName, id, namespaceGroup, g); err != nil {
				return err
			}
		}
		return nil

	case graph.NodeDeleted:
		for _, q := range []string{
			`DELETE FROM properties WHERE graph = ? AND node_id = ?`,
			`DELETE FROM memberships WHERE graph = ? AND node_id = ?`,
			`DELETE FROM nodes WHERE graph = ? AND node_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, graphName, id); err != nil {
				return err
			}
		}
		return nil

	case graph.PropertyInserted, graph.PropertyUpdated:
		return upsertProperty(ctx, tx, graphName, id, e.Name, e.Value)

	case graph.PropertyDeleted:
		_, err := tx.ExecContext(ctx, `DELETE FROM properties WHERE graph = ? AND node_id = ? AND name = ?`, graphName, id, e.Name)
		return err

	case graph.TagInserted:
		return insertMembership(ctx, tx, graphName, id, namespaceTag, e.Name)
	case graph.GroupInserted:
		return insertMembership(ctx, tx, graphName, id, namespaceGroup, e.Name)
	case graph.TagDeleted:
		return deleteMembership(ctx, tx, graphName, id, namespaceTag, e.Name)
	case graph.GroupDeleted:
		return deleteMembership(ctx, tx, graphName, id, namespaceGroup, e.Name)
	}
	return fmt.Errorf("unknown entry kind %q", e.Kind)
}

func upsertProperty(ctx context.Context, tx *sql.Tx, graphName, id, name string, v graph.Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal property %s: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO properties (graph, node_id, name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (graph, node_id, name) DO UPDATE SET value = excluded.value
	`, graphName, id, name, string(raw))
	return err
}

func insertMembership(ctx context.Context, tx *sql.Tx, graphName, id, namespace, name string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memberships (graph, node_id, namespace, name) VALUES (?, ?, ?, ?)
	`, graphName, id, namespace, name)
	return err
}

func deleteMembership(ctx context.Context, tx *sql.Tx, graphName, id, namespace, name string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM memberships WHERE graph = ? AND node_id = ? AND namespace = ? AND name = ?
	`, graphName, id, namespace, name)
	return err
}

// Load reads the committed nodes of a graph.
func (s *Store) Load(ctx context.Context, graphName string) (*graph.Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	img := &graph.Image{}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM commits WHERE graph = ?
	`, graphName).Scan(&img.Seq); err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT node_id, kind, type, created_at, subject_id, object_id
		FROM nodes WHERE graph = ? ORDER BY node_id
	`, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	index := make(map[graph.ID]int)
	for rows.Next() {
		var (
			n                         graph.Snapshot
			id, kind, subject, object string
			createdAt                 time.Time
		)
		if err := rows.Scan(&id, &kind, &n.Type, &createdAt, &subject, &object); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.ID = graph.ID(id)
		n.Kind = graph.Kind(kind)
		n.CreatedAt = createdAt.UTC()
		n.Subject = graph.ID(subject)
		n.Object = graph.ID(object)
		index[n.ID] = len(img.Nodes)
		img.Nodes = append(img.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT node_id, name, value FROM properties WHERE graph = ?
	`, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	for rows.Next() {
		var id, name, raw string
		if err := rows.Scan(&id, &name, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		i, ok := index[graph.ID(id)]
		if !ok {
			continue
		}
		var v graph.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to unmarshal property %s of %s: %w", name, id, err)
		}
		n := &img.Nodes[i]
		if n.Properties == nil {
			n.Properties = make(map[string]graph.Value)
		}
		n.Properties[name] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate properties: %w", err)
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT node_id, namespace, name FROM memberships WHERE graph = ?
		ORDER BY node_id, namespace, name
	`, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, namespace, name string
		if err := rows.Scan(&id, &namespace, &name); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		i, ok := index[graph.ID(id)]
		if !ok {
			continue
		}
		n := &img.Nodes[i]
		if namespace == namespaceTag {
			n.Tags = append(n.Tags, name)
		} else {
			n.Groups = append(n.Groups, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}

	return img, nil
}

// ReadCommits returns up to limit commits of a graph with a sequence number
// greater than after, oldest first.
func (s *Store) ReadCommits(ctx context.Context, graphName string, after int64, limit int) ([]Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM commits
		WHERE graph = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, graphName, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	return scanCommits(rows)
}

func scanCommits(rows *sql.Rows) ([]Commit, error) {
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		var (
			seq int64
			raw string
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		var log graph.ChangeLog
		if err := json.Unmarshal([]byte(raw), &log); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commit %d: %w", seq, err)
		}
		log.Seq = seq
		commits = append(commits, Commit{Seq: seq, Log: &log})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commits: %w", err)
	}
	return commits, nil
}

// LastCommitSeq returns the highest sequence number stored for a graph, or 0.
func (s *Store) LastCommitSeq(ctx context.Context, graphName string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM commits WHERE graph = ?
	`, graphName).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq, nil
}

// ExpiredCommits returns up to limit commits of a graph committed before
// cutoff, oldest first. The newest commit of a graph is never returned, so
// Load keeps reporting the graph's sequence after the rest are deleted.
func (s *Store) ExpiredCommits(ctx context.Context, graphName string, cutoff time.Time, limit int) ([]Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM commits
		WHERE graph = ? AND committed_at < ?
		  AND seq < (SELECT MAX(seq) FROM commits WHERE graph = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, graphName, cutoff.UTC(), graphName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired commits: %w", err)
	}
	return scanCommits(rows)
}

// DeleteCommits removes the commits of a graph with a sequence number up to
// and including through, except the graph's newest commit. The node tables
// are not touched. It returns the number of deleted rows.
func (s *Store) DeleteCommits(ctx context.Context, graphName string, through int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commits
		WHERE graph = ? AND seq <= ?
		  AND seq < (SELECT MAX(seq) FROM commits WHERE graph = ?)
	`, graphName, through, graphName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}
