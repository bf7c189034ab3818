package api

import (
	"fmt"

	"github.com/rmax-ai/graphkit/pkg/graph"
)

// applyMutations stages muts in c and returns the ids of created nodes by
// ref. It stops at the first failing mutation; the caller discards c.
func applyMutations(c *graph.Context, muts []Mutation) (map[string]graph.ID, error) {
	created := make(map[string]graph.ID)
	resolve := func(s string) graph.ID {
		if id, ok := created[s]; ok {
			return id
		}
		return graph.ID(s)
	}

	for i, m := range muts {
		var err error
		switch m.Op {
		case OpCreateEntity, OpCreateAction, OpCreateBond:
			if m.Type == "" {
				return nil, fmt.Errorf("mutation %d: %w: missing type", i, graph.ErrInvalidMutation)
			}
			var n *graph.Node
			switch m.Op {
			case OpCreateEntity:
				n = c.CreateEntity(m.Type)
			case OpCreateAction:
				n = c.CreateAction(m.Type)
			default:
				n, err = c.CreateBond(m.Type, resolve(m.Subject), resolve(m.Object))
			}
			if err == nil && m.Ref != "" {
				created[m.Ref] = n.ID()
			}
		case OpDelete:
			err = c.Delete(resolve(m.ID))
		case OpSet:
			err = c.SetProperty(resolve(m.ID), m.Name, m.Value)
		case OpAddTag:
			err = c.AddTag(resolve(m.ID), m.Name)
		case OpRemoveTag:
			err = c.RemoveTag(resolve(m.ID), m.Name)
		case OpAddGroup:
			err = c.AddGroup(resolve(m.ID), m.Name)
		case OpRemoveGroup:
			err = c.RemoveGroup(resolve(m.ID), m.Name)
		default:
			err = fmt.Errorf("%w: unknown op %q", graph.ErrInvalidMutation, m.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
	}
	return created, nil
}
