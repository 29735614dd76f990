// Package livestream reads audience counts for livestreams hosted on a
// LiveKit server and issues subscribe-only viewer tokens.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("LiveKit credentials not configured")

// RoomLister is the part of the LiveKit room service this package needs.
// *lksdk.RoomServiceClient satisfies it.
type RoomLister interface {
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
}

type Client struct {
	rooms     RoomLister
	apiKey    string
	apiSecret string
	logger    *zap.Logger
}

func New(rooms RoomLister, apiKey, apiSecret string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rooms:     rooms,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger,
	}
}

// NewLiveKit connects to the room service at host.
func NewLiveKit(host, apiKey, apiSecret string, logger *zap.Logger) *Client {
	return New(lksdk.NewRoomServiceClient(host, apiKey, apiSecret), apiKey, apiSecret, logger)
}

// Counts returns the participant count of every named stream that is
// currently live. Streams without an active room are absent from the map.
func (c *Client) Counts(ctx context.Context, names []string) (map[string]int, error) {
	if c.rooms == nil {
		return nil, ErrNotConfigured
	}
	if len(names) == 0 {
		return map[string]int{}, nil
	}

	resp, err := c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: names})
	if err != nil {
		return nil, fmt.Errorf("failed to list livekit rooms: %w", err)
	}

	counts := make(map[string]int, len(resp.GetRooms()))
	for _, room := range resp.GetRooms() {
		counts[room.GetName()] = int(room.GetNumParticipants())
	}
	c.logger.Debug("LiveKit rooms listed", zap.Int("requested", len(names)), zap.Int("live", len(counts)))
	return counts, nil
}

// ViewerToken issues a token that may join streamID and subscribe but not
// publish.
func (c *Client) ViewerToken(streamID, userID string, ttl time.Duration) (string, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return "", ErrNotConfigured
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     streamID,
	}
	grant.SetCanPublish(false)
	grant.SetCanSubscribe(true)

	at := auth.NewAccessToken(c.apiKey, c.apiSecret)
	at.AddGrant(grant).
		SetIdentity(userID).
		SetValidFor(ttl)

	return at.ToJWT()
}
