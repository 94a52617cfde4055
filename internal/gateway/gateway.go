// Package gateway is the boundary to the hosted payment page. Session
// references and webhook callbacks are HS256 tokens signed with a secret
// shared with the gateway.
package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSession  = errors.New("gateway: invalid session reference")
	ErrInvalidCallback = errors.New("gateway: invalid callback")
)

// Callback statuses reported by the gateway.
const (
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

const (
	sessionAudience  = "checkout-session"
	callbackAudience = "payment-webhook"
)

type Gateway struct {
	Secret  []byte
	BaseURL string
	Issuer  string

	now func() time.Time
}

func New(secret, baseURL string) *Gateway {
	return &Gateway{Secret: []byte(secret), BaseURL: strings.TrimRight(baseURL, "/"), Issuer: "checkout"}
}

func (g *Gateway) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

type SessionRequest struct {
	PaymentID   string
	OrderID     string
	AmountCents int64
	Currency    string
}

type Session struct {
	Ref         string `json:"session_ref"`
	RedirectURL string `json:"redirect_url"`
}

type sessionClaims struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	jwt.RegisteredClaims
}

// CreateSession signs a reference binding the payment to its amount. The
// end user is redirected to RedirectURL; the gateway echoes Ref back in
// its webhook.
func (g *Gateway) CreateSession(req SessionRequest) (Session, error) {
	now := g.clock()
	claims := sessionClaims{
		OrderID:     req.OrderID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  req.PaymentID,
			Issuer:   g.Issuer,
			Audience: jwt.ClaimStrings{sessionAudience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	ref, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.Secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Ref: ref, RedirectURL: g.BaseURL + "/pay?session=" + url.QueryEscape(ref)}, nil
}

// SessionPayment returns the payment id a session reference was issued for.
// Session references do not expire: late webhooks must still resolve.
func (g *Gateway) SessionPayment(ref string) (string, error) {
	var c sessionClaims
	if _, err := g.parse(ref, &c, sessionAudience); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if c.Subject == "" {
		return "", ErrInvalidSession
	}
	return c.Subject, nil
}

// Callback is one webhook delivery from the gateway.
type Callback struct {
	EventID       string
	SessionRef    string
	Status        string
	TransactionID string
	Reason        string
}

type callbackClaims struct {
	SessionRef    string `json:"session_ref"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	jwt.RegisteredClaims
}

// VerifyCallback authenticates a webhook token and returns its content.
func (g *Gateway) VerifyCallback(token string) (Callback, error) {
	var c callbackClaims
	if _, err := g.parse(token, &c, callbackAudience); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if c.ID == "" || c.SessionRef == "" {
		return Callback{}, fmt.Errorf("%w: missing jti or session_ref", ErrInvalidCallback)
	}
	switch c.Status {
	case StatusApproved:
		if c.TransactionID == "" {
			return Callback{}, fmt.Errorf("%w: approved without transaction_id", ErrInvalidCallback)
		}
	case StatusDeclined:
	default:
		return Callback{}, fmt.Errorf("%w: status %q", ErrInvalidCallback, c.Status)
	}
	return Callback{
		EventID:       c.ID,
		SessionRef:    c.SessionRef,
		Status:        c.Status,
		TransactionID: c.TransactionID,
		Reason:        c.Reason,
	}, nil
}

// SignCallback produces a webhook token the way the gateway does, for
// local simulation of deliveries.
func (g *Gateway) SignCallback(cb Callback, ttl time.Duration) (string, error) {
	now := g.clock()
	claims := callbackClaims{
		SessionRef:    cb.SessionRef,
		Status:        cb.Status,
		TransactionID: cb.TransactionID,
		Reason:        cb.Reason,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cb.EventID,
			Audience:  jwt.ClaimStrings{callbackAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.Secret)
}

func (g *Gateway) parse(token string, claims jwt.Claims, audience string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(g.clock),
	)
}
