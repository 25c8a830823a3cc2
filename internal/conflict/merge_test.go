package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/doc"
)

func TestFieldMerge_FieldOverride(t *testing.T) {
	m := NewFieldMerge(PriorityRemote, map[string]Priority{"status": PriorityLocal})

	res := m.Resolve(Conflict{
		LocalData:  doc.Object{"name": doc.String("A"), "status": doc.String("S1")},
		RemoteData: doc.Object{"name": doc.String("B"), "status": doc.String("S2")},
	})

	assert.Equal(t, Merged, res.Resolution)
	assert.Equal(t, doc.Object{"name": doc.String("B"), "status": doc.String("S1")}, res.Data)
	assert.Equal(t, []Decision{
		{Key: "name", Source: "remote", Reason: "remote wins"},
		{Key: "status", Source: "local", Reason: "local wins"},
	}, res.Decisions)
	assert.Equal(t, "name: remote wins; status: local wins", res.Message)
}

func TestFieldMerge_DisjointKeys(t *testing.T) {
	// Neither priority is consulted when keys do not overlap.
	for _, def := range []Priority{PriorityLocal, PriorityRemote} {
		m := NewFieldMerge(def, nil)
		res := m.Resolve(Conflict{
			LocalData:  doc.Object{"a": doc.Int(1)},
			RemoteData: doc.Object{"b": doc.Int(2)},
		})
		assert.Equal(t, doc.Object{"a": doc.Int(1), "b": doc.Int(2)}, res.Data, "default %s", def)
		for _, d := range res.Decisions {
			assert.NotContains(t, d.Reason, "wins")
		}
	}
}

func TestFieldMerge_EqualValuesNoDecision(t *testing.T) {
	res := NewFieldMerge(PriorityLocal, nil).Resolve(Conflict{
		LocalData:  doc.Object{"n": doc.Int(1)},
		RemoteData: doc.Object{"n": doc.Float(1)},
	})
	assert.Empty(t, res.Decisions)
	assert.Equal(t, "No conflicts", res.Message)
}

func TestFieldMerge_DefaultIsRemote(t *testing.T) {
	m := NewFieldMerge("", nil)
	res := m.Resolve(Conflict{
		LocalData:  doc.Object{"x": doc.Int(1)},
		RemoteData: doc.Object{"x": doc.Int(2)},
	})
	assert.Equal(t, doc.Int(2), res.Data["x"])
}

func TestFieldMerge_NestedWithoutRecursionReplacesWholeObject(t *testing.T) {
	m := NewFieldMerge(PriorityRemote, nil)
	res := m.Resolve(Conflict{
		LocalData:  doc.Object{"data": doc.Object{"a": doc.Int(1), "owner": doc.String("ana")}},
		RemoteData: doc.Object{"data": doc.Object{"a": doc.Int(2)}},
	})
	assert.Equal(t, doc.Object{"a": doc.Int(2)}, res.Data["data"])
}

func TestFieldMerge_Recursive(t *testing.T) {
	m := NewFieldMerge(PriorityRemote, map[string]Priority{"data.title": PriorityLocal})
	m.Recursive = true

	local := doc.Object{
		"status": doc.String("in_progress"),
		"data": doc.Object{
			"title": doc.String("Local title"),
			"owner": doc.String("ana"),
			"size":  doc.Int(3),
		},
	}
	remote := doc.Object{
		"status": doc.String("blocked"),
		"data": doc.Object{
			"title": doc.String("Remote title"),
			"size":  doc.Int(5),
			"eta":   doc.String("Q3"),
		},
	}

	res := m.Resolve(Conflict{LocalData: local, RemoteData: remote})
	require.Equal(t, Merged, res.Resolution)

	expected := doc.Object{
		"status": doc.String("blocked"),
		"data": doc.Object{
			"title": doc.String("Local title"),
			"owner": doc.String("ana"),
			"size":  doc.Int(5),
			"eta":   doc.String("Q3"),
		},
	}
	assert.True(t, doc.Equal(expected, res.Data), "got %v", res.Data)

	var keys []string
	for _, d := range res.Decisions {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"data.eta", "data.owner", "data.size", "data.title", "status"}, keys)
}

func TestFieldMerge_ParentOverrideStopsRecursion(t *testing.T) {
	m := NewFieldMerge(PriorityRemote, map[string]Priority{"data": PriorityLocal})
	m.Recursive = true

	res := m.Resolve(Conflict{
		LocalData:  doc.Object{"data": doc.Object{"a": doc.Int(1)}},
		RemoteData: doc.Object{"data": doc.Object{"a": doc.Int(2), "b": doc.Int(3)}},
	})
	assert.Equal(t, doc.Object{"a": doc.Int(1)}, res.Data["data"])
}

func TestFieldMerge_Deterministic(t *testing.T) {
	m := NewFieldMerge(PriorityLocal, nil)
	c := Conflict{
		LocalData:  doc.Object{"z": doc.Int(1), "m": doc.Int(1), "a": doc.Int(1)},
		RemoteData: doc.Object{"z": doc.Int(2), "m": doc.Int(2), "b": doc.Int(2)},
	}
	first := m.Resolve(c)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, m.Resolve(c))
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" Local ")
	require.NoError(t, err)
	assert.Equal(t, PriorityLocal, p)

	_, err = ParsePriority("both")
	require.Error(t, err)
}
