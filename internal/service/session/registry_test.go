package session_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/session"
)

func TestRegistry_Join_Marks_Session_Online(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	res, err := registry.Join("conn-a", "alice")
	req.NoError(err)
	req.Equal(chat.Session{ConnectionID: "conn-a", DisplayName: "alice", Online: true}, res.Session)
	req.Nil(res.Released)
	req.Equal([]string{"alice"}, registry.Online())
}

func TestRegistry_Join_Rejects_Empty_Name(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	_, err := registry.Join("conn-a", "   ")
	req.Error(err)
	req.True(chat.IsValidation(err))
	req.Empty(registry.Online())
}

func TestRegistry_Second_Join_Rebinds_Without_Duplicate(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	_, err := registry.Join("conn-a", "alice")
	req.NoError(err)
	res, err := registry.Join("conn-b", "alice")
	req.NoError(err)

	req.Equal("conn-b", res.Session.ConnectionID)
	req.Equal([]string{"alice"}, registry.Online())

	// The orphaned connection no longer speaks for alice.
	_, ok := registry.Leave("conn-a")
	req.False(ok)
	s, ok := registry.Lookup("alice")
	req.True(ok)
	req.True(s.Online)
	req.Equal("conn-b", s.ConnectionID)
}

func TestRegistry_Rejoin_Under_New_Name_Releases_Old_Name(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	_, err := registry.Join("conn-a", "alice")
	req.NoError(err)
	res, err := registry.Join("conn-a", "alicia")
	req.NoError(err)

	req.NotNil(res.Released)
	req.Equal("alice", res.Released.DisplayName)
	req.False(res.Released.Online)
	req.Equal([]string{"alicia"}, registry.Online())
}

func TestRegistry_Leave_Clears_Binding(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	_, err := registry.Join("conn-a", "alice")
	req.NoError(err)

	s, ok := registry.Leave("conn-a")
	req.True(ok)
	req.Equal(chat.Session{DisplayName: "alice"}, s)

	_, ok = registry.NameFor("conn-a")
	req.False(ok)
	req.Empty(registry.Online())
}

func TestRegistry_Leave_Never_Joined_Is_Noop(t *testing.T) {
	registry := session.NewRegistry()
	if _, ok := registry.Leave("ghost"); ok {
		t.Fatal("expected leave of unknown connection to report false")
	}
}

func TestRegistry_Concurrent_Joins_Keep_One_Session_Per_Name(t *testing.T) {
	req := require.New(t)
	registry := session.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = registry.Join(uuid.NewString(), "alice")
		}()
	}
	wg.Wait()

	req.Equal([]string{"alice"}, registry.Online())
	s, ok := registry.Lookup("alice")
	req.True(ok)
	name, ok := registry.NameFor(s.ConnectionID)
	req.True(ok)
	req.Equal("alice", name)
}
