package livestream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRoomLister struct {
	mock.Mock
}

func (m *MockRoomLister) ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*livekit.ListRoomsResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCounts(t *testing.T) {
	lister := new(MockRoomLister)
	lister.On("ListRooms", mock.Anything, mock.MatchedBy(func(req *livekit.ListRoomsRequest) bool {
		return assert.ObjectsAreEqual([]string{"s1", "s2"}, req.Names)
	})).Return(&livekit.ListRoomsResponse{Rooms: []*livekit.Room{
		{Name: "s1", NumParticipants: 12},
	}}, nil)

	c := New(lister, "key", "secret", nil)
	counts, err := c.Counts(context.Background(), []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"s1": 12}, counts)
	lister.AssertExpectations(t)
}

func TestCounts_Errors(t *testing.T) {
	lister := new(MockRoomLister)
	lister.On("ListRooms", mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))

	_, err := New(lister, "key", "secret", nil).Counts(context.Background(), []string{"s1"})
	assert.Error(t, err)

	_, err = New(nil, "", "", nil).Counts(context.Background(), []string{"s1"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	counts, err := New(lister, "key", "secret", nil).Counts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
	lister.AssertNumberOfCalls(t, "ListRooms", 1)
}

func TestViewerToken(t *testing.T) {
	c := New(nil, "api-key", "api-secret-that-is-long-enough-for-hmac", nil)

	token, err := c.ViewerToken("s1", "alice", time.Hour)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("api-secret-that-is-long-enough-for-hmac"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "api-key", claims["iss"])
	assert.Equal(t, "alice", claims["sub"])

	video, ok := claims["video"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, "s1", video["room"])
	assert.Equal(t, false, video["canPublish"])

	_, err = New(nil, "", "", nil).ViewerToken("s1", "alice", time.Hour)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
