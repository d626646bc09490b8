package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	authorizationHeader = "Authorization"
	bearerType          = "Bearer"
	// Browsers cannot set headers on websocket upgrades.
	tokenQueryParam = "access_token"

	OperatorKey = "operator"
	RoleKey     = "role"
)

var ErrTokenInvalid = errors.New("token is invalid or expired")

// TokenVerifier checks HS256 bearer tokens issued by the operator login
// service.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *TokenVerifier) Verify(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: malformed token", ErrTokenInvalid)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: token expired", ErrTokenInvalid)
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}
	return claims, nil
}

// AuthMiddleware rejects requests without a valid bearer token. A nil
// verifier disables authentication, which is only accepted outside
// production by config validation.
func AuthMiddleware(verifier *TokenVerifier, log zerolog.Logger) gin.HandlerFunc {
	if verifier == nil {
		log.Warn().Msg("operator authentication disabled")
		return func(c *gin.Context) {
			c.Set(OperatorKey, "anonymous")
			c.Next()
		}
	}

	return func(c *gin.Context) {
		token := c.Query(tokenQueryParam)
		if header := c.GetHeader(authorizationHeader); header != "" {
			fields := strings.Fields(header)
			if len(fields) < 2 || !strings.EqualFold(fields[0], bearerType) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid authorization header"))
				return
			}
			token = fields[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(err.Error()))
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("token has no subject"))
			return
		}
		role, _ := claims["role"].(string)

		c.Set(OperatorKey, sub)
		c.Set(RoleKey, role)
		c.Next()
	}
}

func operator(c *gin.Context) string {
	return c.GetString(OperatorKey)
}
