package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transferd/internal/clock"
)

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issuer mints access tokens for an already authenticated subject.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewIssuer builds an Issuer. ttl <= 0 defaults to one hour.
func NewIssuer(secret string, ttl time.Duration, c clock.Clock) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if c == nil {
		c = clock.Real()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: c}
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject string) (Token, error) {
	now := i.clock.Now()
	signed, err := Sign(Claims{
		Subject:   strings.TrimSpace(subject),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
	}, i.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresIn: int64(i.ttl.Seconds())}, nil
}

// Verify checks a token signed by this issuer.
func (i *Issuer) Verify(token string) (Claims, error) {
	return Verify(token, i.secret, i.clock.Now())
}

// DevTokenHandler issues a token for any subject. It is only mounted in
// development environments, where no identity provider is available.
func (i *Issuer) DevTokenHandler(c *fiber.Ctx) error {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Subject) == "" {
		return fiber.NewError(http.StatusBadRequest, "subject is required")
	}
	token, err := i.Issue(req.Subject)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(token)
}
