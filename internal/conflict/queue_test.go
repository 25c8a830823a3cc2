package conflict

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/doc"
)

func testConflict(id string, remoteVersion int64) Conflict {
	return Conflict{
		EntityID:      id,
		LocalVersion:  1,
		RemoteVersion: remoteVersion,
		LocalData:     doc.Object{"status": doc.String("a")},
		RemoteData:    doc.Object{"status": doc.String("b")},
		LocalSiteID:   "local",
		RemoteSiteID:  "remote",
	}
}

func TestQueue_AddResolveClear(t *testing.T) {
	q := NewQueue()
	c1 := testConflict("task-1", 2)
	c2 := testConflict("task-2", 2)

	q.Add(c1)
	q.Add(c2)
	assert.Equal(t, 2, q.Len())

	res, err := q.Resolve(c1, RemoteWins, c1.RemoteData)
	require.NoError(t, err)
	assert.Equal(t, RemoteWins, res.Resolution)
	assert.Equal(t, "task-1", res.Conflict.EntityID)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "task-2", pending[0].EntityID)
	require.Len(t, q.Resolved(), 1)

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Resolved())
}

func TestQueue_ResolveNotPending(t *testing.T) {
	q := NewQueue()
	c := testConflict("task-1", 2)

	_, err := q.Resolve(c, LocalWins, c.LocalData)
	require.Error(t, err)

	q.Add(c)
	_, err = q.Resolve(testConflict("task-1", 3), LocalWins, c.LocalData)
	require.Error(t, err, "different remote version is a different conflict")

	_, err = q.Resolve(c, Deferred, nil)
	require.Error(t, err)

	_, err = q.Resolve(c, LocalWins, c.LocalData)
	require.NoError(t, err)
	_, err = q.Resolve(c, LocalWins, c.LocalData)
	require.Error(t, err, "already resolved")
}

func TestQueue_PendingReturnsCopy(t *testing.T) {
	q := NewQueue()
	q.Add(testConflict("task-1", 2))

	p := q.Pending()
	p[0].EntityID = "changed"
	assert.Equal(t, "task-1", q.Pending()[0].EntityID)
}

func TestQueue_ConcurrentAdd(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Add(testConflict("task-x", int64(i+2)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len())
}

func TestQueue_AddSameConflictReplaces(t *testing.T) {
	q := NewQueue()
	q.Add(testConflict("task-1", 2))
	q.Add(testConflict("task-2", 2))

	again := testConflict("task-1", 2)
	again.RemoteData = doc.Object{"status": doc.String("c")}
	q.Add(again)

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "task-1", pending[0].EntityID)
	assert.Equal(t, doc.String("c"), pending[0].RemoteData["status"])

	// A newer remote version is a different conflict.
	q.Add(testConflict("task-1", 3))
	assert.Equal(t, 3, q.Len())
}
