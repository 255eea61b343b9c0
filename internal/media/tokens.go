package media

import (
	"errors"
	"time"

	"github.com/livekit/protocol/auth"
)

var ErrMissingCredentials = errors.New("media: api key and secret are required")

// RoomToken is a participant-scoped admission token for one media room.
type RoomToken struct {
	Token string
	TTL   time.Duration
}

// TokenIssuer mints LiveKit access tokens. The media transport itself is
// opaque to the coordination core; clients take the token straight to the
// media server.
type TokenIssuer struct {
	apiKey    string
	apiSecret string
	serverURL string
	ttl       time.Duration
}

func NewTokenIssuer(apiKey, apiSecret, serverURL string, ttl time.Duration) (*TokenIssuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		serverURL: serverURL,
		ttl:       ttl,
	}, nil
}

// ServerURL returns the media server endpoint handed to clients.
func (t *TokenIssuer) ServerURL() string {
	return t.serverURL
}

// IssueRoomToken returns a token granting one participant entry to one room.
func (t *TokenIssuer) IssueRoomToken(userID, roomID, displayName string) (RoomToken, error) {
	at := auth.NewAccessToken(t.apiKey, t.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomID,
	}
	at.AddGrant(grant).
		SetIdentity(userID).
		SetName(displayName).
		SetValidFor(t.ttl)

	jwt, err := at.ToJWT()
	if err != nil {
		return RoomToken{}, err
	}
	return RoomToken{Token: jwt, TTL: t.ttl}, nil
}
