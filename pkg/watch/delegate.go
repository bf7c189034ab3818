package watch

import "github.com/rmax-ai/graphkit/pkg/graph"

// Delegate receives the entries a watch matched, one method per entry kind.
// Property callbacks carry the written value, or the removed value for
// PropertyDeleted.
type Delegate interface {
	NodeInserted(n graph.Snapshot, src graph.Source)
	NodeDeleted(n graph.Snapshot, src graph.Source)
	PropertyInserted(n graph.Snapshot, name string, v graph.Value, src graph.Source)
	PropertyUpdated(n graph.Snapshot, name string, v graph.Value, src graph.Source)
	PropertyDeleted(n graph.Snapshot, name string, v graph.Value, src graph.Source)
	TagInserted(n graph.Snapshot, name string, src graph.Source)
	TagDeleted(n graph.Snapshot, name string, src graph.Source)
	GroupInserted(n graph.Snapshot, name string, src graph.Source)
	GroupDeleted(n graph.Snapshot, name string, src graph.Source)
}

// Base implements Delegate with no-ops. Embed it to handle only some kinds.
type Base struct{}

func (Base) NodeInserted(graph.Snapshot, graph.Source)                          {}
func (Base) NodeDeleted(graph.Snapshot, graph.Source)                           {}
func (Base) PropertyInserted(graph.Snapshot, string, graph.Value, graph.Source) {}
func (Base) PropertyUpdated(graph.Snapshot, string, graph.Value, graph.Source)  {}
func (Base) PropertyDeleted(graph.Snapshot, string, graph.Value, graph.Source)  {}
func (Base) TagInserted(graph.Snapshot, string, graph.Source)                   {}
func (Base) TagDeleted(graph.Snapshot, string, graph.Source)                    {}
func (Base) GroupInserted(graph.Snapshot, string, graph.Source)                 {}
func (Base) GroupDeleted(graph.Snapshot, string, graph.Source)                  {}

// EntryFunc adapts a function taking whole entries to a Delegate.
type EntryFunc func(e graph.Entry)

func (f EntryFunc) NodeInserted(n graph.Snapshot, src graph.Source) {
	f(graph.Entry{Kind: graph.NodeInserted, Node: n, Source: src})
}

func (f EntryFunc) NodeDeleted(n graph.Snapshot, src graph.Source) {
	f(graph.Entry{Kind: graph.NodeDeleted, Node: n, Source: src})
}

func (f EntryFunc) PropertyInserted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	f(graph.Entry{Kind: graph.PropertyInserted, Node: n, Name: name, Value: v, Source: src})
}

func (f EntryFunc) PropertyUpdated(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	f(graph.Entry{Kind: graph.PropertyUpdated, Node: n, Name: name, Value: v, Source: src})
}

func (f EntryFunc) PropertyDeleted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	f(graph.Entry{Kind: graph.PropertyDeleted, Node: n, Name: name, Value: v, Source: src})
}

func (f EntryFunc) TagInserted(n graph.Snapshot, name string, src graph.Source) {
	f(graph.Entry{Kind: graph.TagInserted, Node: n, Name: name, Source: src})
}

func (f EntryFunc) TagDeleted(n graph.Snapshot, name string, src graph.Source) {
	f(graph.Entry{Kind: graph.TagDeleted, Node: n, Name: name, Source: src})
}

func (f EntryFunc) GroupInserted(n graph.Snapshot, name string, src graph.Source) {
	f(graph.Entry{Kind: graph.GroupInserted, Node: n, Name: name, Source: src})
}

func (f EntryFunc) GroupDeleted(n graph.Snapshot, name string, src graph.Source) {
	f(graph.Entry{Kind: graph.GroupDeleted, Node: n, Name: name, Source: src})
}

// deliver routes an entry to the delegate method for its kind.
func deliver(d Delegate, e *graph.Entry) {
	switch e.Kind {
	case graph.NodeInserted:
		d.NodeInserted(e.Node, e.Source)
	case graph.NodeDeleted:
		d.NodeDeleted(e.Node, e.Source)
	case graph.PropertyInserted:
		d.PropertyInserted(e.Node, e.Name, e.Value, e.Source)
	case graph.PropertyUpdated:
		d.PropertyUpdated(e.Node, e.Name, e.Value, e.Source)
	case graph.PropertyDeleted:
		d.PropertyDeleted(e.Node, e.Name, e.Value, e.Source)
	case graph.TagInserted:
		d.TagInserted(e.Node, e.Name, e.Source)
	case graph.TagDeleted:
		d.TagDeleted(e.Node, e.Name, e.Source)
	case graph.GroupInserted:
		d.GroupInserted(e.Node, e.Name, e.Source)
	case graph.GroupDeleted:
		d.GroupDeleted(e.Node, e.Name, e.Source)
	}
}
