// Package turnrest mints coturn-compatible TURN REST credentials.
//
// Algorithm (see the coturn wiki and draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<connection_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is computed from the server clock in UTC plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turnrest: TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials bound to the given connection id (typically the
// caller's socket id, or a random id for anonymous bootstrap requests).
func (g *Generator) Generate(connectionID string) (Credentials, error) {
	if connectionID == "" {
		return Credentials{}, errors.New("turnrest: connection id is required")
	}
	if strings.Contains(connectionID, ":") {
		return Credentials{}, errors.New("turnrest: connection id must not contain ':'")
	}

	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, connectionID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom mints credentials with a random connection id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}
