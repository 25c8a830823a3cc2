package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

var (
	t1 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func loginEntity(status string, version int64, at time.Time) entity.Entity {
	return entity.Entity{
		ID:        "feature-login",
		Type:      "feature",
		Status:    status,
		Data:      doc.Object{"name": doc.String("Login")},
		Version:   version,
		CreatedAt: t1.Add(-24 * time.Hour),
		UpdatedAt: at,
	}
}

func TestDetect(t *testing.T) {
	local := loginEntity("in_progress", 2, t2)

	tests := []struct {
		name   string
		remote entity.Entity
		want   bool
	}{
		{"stale remote", loginEntity("blocked", 1, t1), false},
		{"same version", loginEntity("blocked", 2, t1), false},
		{"newer identical payload", loginEntity("in_progress", 5, t1), false},
		{"newer different payload", loginEntity("blocked", 3, t1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Detect(local, tt.remote, "laptop", "desktop")
			if !tt.want {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, "feature-login", c.EntityID)
			assert.Equal(t, "feature", c.EntityType)
			assert.Equal(t, int64(2), c.LocalVersion)
			assert.Equal(t, int64(3), c.RemoteVersion)
			assert.Equal(t, t2, c.LocalTimestamp)
			assert.Equal(t, t1, c.RemoteTimestamp)
			assert.Equal(t, "laptop", c.LocalSiteID)
			assert.Equal(t, "desktop", c.RemoteSiteID)
			assert.Equal(t, doc.String("blocked"), c.RemoteData["status"])
		})
	}
}

func TestDetect_IdenticalDataDifferentVersionsIsNotAConflict(t *testing.T) {
	local := loginEntity("planned", 1, t1)
	remote := loginEntity("planned", 4, t2)
	remote.Data = doc.NewObject(doc.O("name", doc.String("Login")))

	assert.Nil(t, Detect(local, remote, "a", "b"))
}

func TestLastWriteWins_LocalNewer(t *testing.T) {
	// feature-login: local moved to in_progress at T2, remote to blocked at T1 < T2.
	local := loginEntity("in_progress", 2, t2)
	remote := loginEntity("blocked", 2, t1)
	c := Conflict{
		EntityID:        "feature-login",
		LocalVersion:    2,
		RemoteVersion:   2,
		LocalData:       local.Payload(),
		RemoteData:      remote.Payload(),
		LocalTimestamp:  t2,
		RemoteTimestamp: t1,
	}

	res := LastWriteWins{}.Resolve(c)
	assert.Equal(t, LocalWins, res.Resolution)
	assert.True(t, doc.Equal(local.Payload(), res.Data))
	assert.Equal(t, doc.String("in_progress"), res.Data["status"])
}

func TestLastWriteWins_RemoteNewerAndTie(t *testing.T) {
	c := Conflict{
		LocalData:       doc.Object{"v": doc.String("local")},
		RemoteData:      doc.Object{"v": doc.String("remote")},
		LocalTimestamp:  t1,
		RemoteTimestamp: t2,
	}
	res := LastWriteWins{}.Resolve(c)
	assert.Equal(t, RemoteWins, res.Resolution)
	assert.Equal(t, doc.String("remote"), res.Data["v"])

	c.RemoteTimestamp = t1
	res = LastWriteWins{}.Resolve(c)
	assert.Equal(t, LocalWins, res.Resolution, "ties favor local")
}

func TestHigherVersionWins(t *testing.T) {
	c := Conflict{
		LocalData:     doc.Object{"v": doc.String("local")},
		RemoteData:    doc.Object{"v": doc.String("remote")},
		LocalVersion:  3,
		RemoteVersion: 4,
	}
	assert.Equal(t, RemoteWins, HigherVersionWins{}.Resolve(c).Resolution)

	c.RemoteVersion = 3
	res := HigherVersionWins{}.Resolve(c)
	assert.Equal(t, LocalWins, res.Resolution, "ties favor local")
	assert.Equal(t, "Local version higher (3 >= 3)", res.Message)
}

func TestResultDataIsIndependentOfConflict(t *testing.T) {
	c := Conflict{LocalData: doc.Object{"v": doc.Int(1)}, RemoteData: doc.Object{}}
	res := HigherVersionWins{}.Resolve(c)
	res.Data["v"] = doc.Int(2)
	assert.Equal(t, doc.Int(1), c.LocalData["v"])
}

func TestDefer(t *testing.T) {
	res := Defer{}.Resolve(Conflict{EntityID: "task-1"})
	assert.Equal(t, Deferred, res.Resolution)
	assert.Nil(t, res.Data)
	assert.Equal(t, "task-1", res.Conflict.EntityID)
}

func TestCallback(t *testing.T) {
	c := Conflict{EntityID: "task-1", LocalData: doc.Object{"a": doc.Int(1)}}

	t.Run("delegates", func(t *testing.T) {
		cb := Callback(func(c Conflict) Result {
			return Result{Resolution: LocalWins, Data: c.LocalData, Message: "custom"}
		})
		res := cb.Resolve(c)
		assert.Equal(t, LocalWins, res.Resolution)
		assert.Equal(t, "custom", res.Message)
		assert.Equal(t, "task-1", res.Conflict.EntityID)
	})

	t.Run("nil callback defers", func(t *testing.T) {
		var cb Callback
		assert.Equal(t, Deferred, cb.Resolve(c).Resolution)
	})

	t.Run("panic defers", func(t *testing.T) {
		cb := Callback(func(Conflict) Result { panic("boom") })
		var res Result
		require.NotPanics(t, func() { res = cb.Resolve(c) })
		assert.Equal(t, Deferred, res.Resolution)
		assert.Contains(t, res.Message, "boom")
	})

	t.Run("missing data defers", func(t *testing.T) {
		cb := Callback(func(Conflict) Result { return Result{Resolution: Merged} })
		assert.Equal(t, Deferred, cb.Resolve(c).Resolution)
	})

	t.Run("deferred result drops data", func(t *testing.T) {
		cb := Callback(func(c Conflict) Result { return Result{Resolution: Deferred, Data: c.LocalData} })
		assert.Nil(t, cb.Resolve(c).Data)
	})
}

func TestByName(t *testing.T) {
	for _, name := range Names() {
		r, err := ByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, r)
	}

	r, err := ByName(" LWW ")
	require.NoError(t, err)
	assert.IsType(t, LastWriteWins{}, r)

	fm, err := ByName(NameFieldMerge)
	require.NoError(t, err)
	assert.True(t, fm.(*FieldMerge).Recursive)

	none, err := ByName(NameNone)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ByName("coin-flip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last-write-wins")
	assert.Contains(t, err.Error(), "none")
}

func TestApplyPayload(t *testing.T) {
	base := loginEntity("planned", 3, t1)

	out, err := ApplyPayload(base, doc.Object{
		"id":     doc.String("feature-other"),
		"status": doc.String("done"),
		"data":   doc.Object{"name": doc.String("Login v2")},
	})
	require.NoError(t, err)
	assert.Equal(t, "feature-login", out.ID, "id is never taken from the payload")
	assert.Equal(t, "done", out.Status)
	assert.Equal(t, "Login v2", out.Name())
	assert.Equal(t, int64(3), out.Version)
	assert.Equal(t, "Login", base.Name(), "base is not modified")

	_, err = ApplyPayload(base, doc.Object{"status": doc.Int(1)})
	require.Error(t, err)

	_, err = ApplyPayload(base, doc.Object{"data": doc.Array{}})
	require.Error(t, err)
}
