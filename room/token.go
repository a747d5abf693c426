package room

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Token is the parsed session token. The signature is the server's concern;
// the client only reads the claims.
type Token struct {
	Actor  int
	Scopes []string
	Id     string
	Info   map[string]any
	Exp    time.Time
	Iat    time.Time
}

// tokenExpirySkew treats a token as expired slightly before its exp claim so
// a reused token cannot lapse mid-handshake.
const tokenExpirySkew = 10 * time.Second

func (self *Token) expired(now time.Time) bool {
	if self.Exp.IsZero() {
		return false
	}
	return !now.Add(tokenExpirySkew).Before(self.Exp)
}

func parseToken(rawToken string, now time.Time) (*Token, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(rawToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	token := &Token{}

	if actor, ok := claims["actor"].(float64); ok {
		token.Actor = int(actor)
	}
	if scopes, ok := claims["scopes"].([]any); ok {
		for _, scope := range scopes {
			if s, ok := scope.(string); ok {
				token.Scopes = append(token.Scopes, s)
			}
		}
	}
	if id, ok := claims["id"].(string); ok {
		token.Id = id
	}
	if info, ok := claims["info"].(map[string]any); ok {
		token.Info = info
	}
	if exp, ok := claims["exp"].(float64); ok {
		token.Exp = time.Unix(int64(exp), 0)
	}
	if iat, ok := claims["iat"].(float64); ok {
		token.Iat = time.Unix(int64(iat), 0)
	}

	if token.expired(now) {
		return nil, &AuthenticationError{
			Message: "token expired",
		}
	}
	return token, nil
}

const (
	scopeRoomWrite         = "room:write"
	scopeRoomRead          = "room:read"
	scopeRoomPresenceWrite = "room:presence:write"
)

// isReadOnlyScopes reports whether the scopes permit presence but not
// storage writes.
func isReadOnlyScopes(scopes []string) bool {
	hasRead := false
	hasPresenceWrite := false
	for _, scope := range scopes {
		switch scope {
		case scopeRoomWrite:
			return false
		case scopeRoomRead:
			hasRead = true
		case scopeRoomPresenceWrite:
			hasPresenceWrite = true
		}
	}
	return hasRead && hasPresenceWrite
}
