// Package redis implements graph storage on Redis. Each graph lives under
// the key prefix graphkit:{graph}: with a sequence counter, a set of node
// ids, one hash per node and a list of change logs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/store"
)

const (
	metaField   = "meta"
	propPrefix  = "p:"
	tagPrefix   = "t:"
	groupPrefix = "g:"

	stateKey = "graphkit:state"

	maxTxRetries = 50
)

var ErrConflict = errors.New("too many concurrent writers")

// RedisStorage implements graph.Storage and the follower's commit source on
// top of a Redis client.
type RedisStorage struct {
	client *redis.Client
}

var _ graph.Storage = (*RedisStorage)(nil)

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

type nodeMeta struct {
	Kind      graph.Kind `json:"kind"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	Subject   graph.ID   `json:"subject,omitempty"`
	Object    graph.ID   `json:"object,omitempty"`
}

func (s *RedisStorage) seqKey(g string) string     { return fmt.Sprintf("graphkit:%s:seq", g) }
func (s *RedisStorage) nodesKey(g string) string   { return fmt.Sprintf("graphkit:%s:nodes", g) }
func (s *RedisStorage) commitsKey(g string) string { return fmt.Sprintf("graphkit:%s:commits", g) }
func (s *RedisStorage) baseKey(g string) string    { return fmt.Sprintf("graphkit:%s:base", g) }
func (s *RedisStorage) nodeKey(g string, id graph.ID) string {
	return fmt.Sprintf("graphkit:%s:node:%s", g, id)
}

// Persist writes the change log in one MULTI/EXEC transaction guarded by a
// WATCH on the graph's sequence counter. log.Seq is set to the assigned
// sequence number.
func (s *RedisStorage) Persist(ctx context.Context, log *graph.ChangeLog) error {
	seqKey := s.seqKey(log.Graph)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var next int64
		txf := func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, seqKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read sequence: %w", err)
			}
			next = cur + 1

			out := *log
			out.Seq = next
			payload, err := json.Marshal(&out)
			if err != nil {
				return fmt.Errorf("failed to marshal change log: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, seqKey, next, 0)
				pipe.RPush(ctx, s.commitsKey(log.Graph), payload)
				for i := range log.Entries {
					if err := s.queueEntry(ctx, pipe, log.Graph, &log.Entries[i]); err != nil {
						return fmt.Errorf("failed to apply entry %d (%s): %w", i, log.Entries[i].Kind, err)
					}
				}
				return nil
			})
			return err
		}

		err := s.client.Watch(ctx, txf, seqKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		log.Seq = next
		return nil
	}
	return fmt.Errorf("failed to persist commit %s: %w", log.ID, ErrConflict)
}

func (s *RedisStorage) queueEntry(ctx context.Context, pipe redis.Pipeliner, g string, e *graph.Entry) error {
	key := s.nodeKey(g, e.Node.ID)

	switch e.Kind {
	case graph.NodeInserted:
		n := e.Node
		meta, err := json.Marshal(nodeMeta{
			Kind:      n.Kind,
			Type:      n.Type,
			CreatedAt: n.CreatedAt.UTC(),
			Subject:   n.Subject,
			Object:    n.Object,
		})
		if err != nil {
			return err
		}
		fields := []any{metaField, meta}
		for name, v := range n.Properties {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal property %s: %w", name, err)
			}
			fields = append(fields, propPrefix+name, raw)
		}
		for _, t := range n.Tags {
			fields = append(fields, tagPrefix+t, "1")
		}
		for _, grp := range n.Groups {
			fields = append(fields, groupPrefix+grp, "1")
		}
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields...)
		pipe.SAdd(ctx, s.nodesKey(g), string(n.ID))

	case graph.NodeDeleted:
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.nodesKey(g), string(e.Node.ID))

	case graph.PropertyInserted, graph.PropertyUpdated:
		raw, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal property %s: %w", e.Name, err)
		}
		pipe.HSet(ctx, key, propPrefix+e.Name, raw)
	case graph.PropertyDeleted:
		pipe.HDel(ctx, key, propPrefix+e.Name)
	case graph.TagInserted:
		pipe.HSet(ctx, key, tagPrefix+e.Name, "1")
	case graph.TagDeleted:
		pipe.HDel(ctx, key, tagPrefix+e.Name)
	case graph.GroupInserted:
		pipe.HSet(ctx, key, groupPrefix+e.Name, "1")
	case graph.GroupDeleted:
		pipe.HDel(ctx, key, groupPrefix+e.Name)
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

// Load reads every node hash of a graph.
func (s *RedisStorage) Load(ctx context.Context, g string) (*graph.Image, error) {
	img := &graph.Image{}

	seq, err := s.client.Get(ctx, s.seqKey(g)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	img.Seq = seq

	ids, err := s.client.SMembers(ctx, s.nodesKey(g)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to SMEMBERS %s: %w", s.nodesKey(g), err)
	}
	if len(ids) == 0 {
		return img, nil
	}
	slices.Sort(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.nodeKey(g, graph.ID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}

	for i, cmd := range cmds {
		n, err := decodeNode(graph.ID(ids[i]), cmd.Val())
		if err != nil {
			return nil, err
		}
		img.Nodes = append(img.Nodes, n)
	}
	return img, nil
}

func decodeNode(id graph.ID, fields map[string]string) (graph.Snapshot, error) {
	n := graph.Snapshot{ID: id}

	raw, ok := fields[metaField]
	if !ok {
		return n, fmt.Errorf("node %s has no metadata", id)
	}
	var meta nodeMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return n, fmt.Errorf("failed to unmarshal node %s: %w", id, err)
	}
	n.Kind = meta.Kind
	n.Type = meta.Type
	n.CreatedAt = meta.CreatedAt
	n.Subject = meta.Subject
	n.Object = meta.Object

	for field, val := range fields {
		switch {
		case strings.HasPrefix(field, propPrefix):
			var v graph.Value
			if err := json.Unmarshal([]byte(val), &v); err != nil {
				return n, fmt.Errorf("failed to unmarshal property %s of %s: %w", field, id, err)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]graph.Value)
			}
			n.Properties[strings.TrimPrefix(field, propPrefix)] = v
		case strings.HasPrefix(field, tagPrefix):
			n.Tags = append(n.Tags, strings.TrimPrefix(field, tagPrefix))
		case strings.HasPrefix(field, groupPrefix):
			n.Groups = append(n.Groups, strings.TrimPrefix(field, groupPrefix))
		}
	}
	slices.Sort(n.Tags)
	slices.Sort(n.Groups)
	return n, nil
}

// ReadCommits returns up to limit change logs of a graph with a sequence
// number greater than after. Sequence n is stored at list index n-1-base,
// where base counts the commits removed by DeleteCommits.
func (s *RedisStorage) ReadCommits(ctx context.Context, g string, after int64, limit int) ([]store.Commit, error) {
	if limit <= 0 {
		return nil, nil
	}
	base, err := s.base(ctx, g)
	if err != nil {
		return nil, err
	}
	start := max(after-base, 0)
	raws, err := s.client.LRange(ctx, s.commitsKey(g), start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to LRANGE %s: %w", s.commitsKey(g), err)
	}
	commits, err := decodeCommits(raws)
	if err != nil {
		return nil, err
	}
	// A concurrent DeleteCommits may shift the list between the two reads.
	return slices.DeleteFunc(commits, func(c store.Commit) bool { return c.Seq <= after }), nil
}

func decodeCommits(raws []string) ([]store.Commit, error) {
	commits := make([]store.Commit, 0, len(raws))
	for _, raw := range raws {
		var log graph.ChangeLog
		if err := json.Unmarshal([]byte(raw), &log); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
		}
		commits = append(commits, store.Commit{Seq: log.Seq, Log: &log})
	}
	return commits, nil
}

// GetSystemState returns the value stored under key, or "" if none is.
func (s *RedisStorage) GetSystemState(ctx context.Context, key string) (string, error) {
	val, err := s.client.HGet(ctx, stateKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state %s: %w", key, err)
	}
	return val, nil
}

// SetSystemState stores value under key.
func (s *RedisStorage) SetSystemState(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, stateKey, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set system state %s: %w", key, err)
	}
	return nil
}

// Clear removes every key of a graph.
func (s *RedisStorage) Clear(ctx context.Context, g string) error {
	ids, err := s.client.SMembers(ctx, s.nodesKey(g)).Result()
	if err != nil {
		return fmt.Errorf("failed to SMEMBERS %s during clear: %w", s.nodesKey(g), err)
	}
	keys := []string{s.seqKey(g), s.nodesKey(g), s.commitsKey(g), s.baseKey(g)}
	for _, id := range ids {
		keys = append(keys, s.nodeKey(g, graph.ID(id)))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to DEL keys of graph %s: %w", g, err)
	}
	return nil
}
