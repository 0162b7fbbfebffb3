// ABOUTME: Agent side of the dispatch protocol over HTTP
// ABOUTME: Signs requests, unseals commands, applies rotation offers and reports results

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// errSessionLost means the gateway no longer accepts our session key.
var errSessionLost = errors.New("session lost")

// handlerFunc executes one command payload.
type handlerFunc func(payload []byte) (status string, code int, out []byte)

type agent struct {
	base     string
	id       string
	key      *rsa.PrivateKey
	wait     int
	client   *http.Client
	handle   handlerFunc
	platform string
	version  string
	logger   *slog.Logger

	sessionID string
	rotation  int
	keys      protocol.SessionKeys
}

// loadOrCreateKey reads an RSA private key from path, generating and saving
// one when the file does not exist. An empty path yields an unsaved key.
func loadOrCreateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return rsa.GenerateKey(rand.Reader, protocol.MinRSABits)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key, err := rsa.GenerateKey(rand.Reader, protocol.MinRSABits)
		if err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("saving key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key (%T)", path, key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%s: unsupported PEM type %q", path, block.Type)
	}
}

// run handshakes and then polls until ctx is cancelled. Transport errors
// back off exponentially; a lost session triggers a fresh handshake.
func (a *agent) run(ctx context.Context) error {
	backoff := time.Second
	needHandshake := true
	for ctx.Err() == nil {
		var err error
		if needHandshake {
			err = a.handshake(ctx)
			needHandshake = err != nil
		} else {
			err = a.step(ctx)
			if errors.Is(err, errSessionLost) {
				a.logger.Warn("session rejected, handshaking again")
				needHandshake = true
				continue
			}
		}

		if err == nil {
			backoff = time.Second
			continue
		}
		if ctx.Err() != nil {
			break
		}
		a.logger.Warn("request failed", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
	return nil
}

// handshake opens a new session and installs its keys.
func (a *agent) handshake(ctx context.Context) error {
	pemText, fingerprint, err := protocol.MarshalPublicKey(&a.key.PublicKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(protocol.HandshakeRequest{
		AgentID:   a.id,
		PublicKey: pemText,
		Platform:  a.platform,
		Version:   a.version,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+protocol.PathHandshake, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp protocol.HandshakeResponse
	if err := a.send(req, &resp); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := a.installKey(resp.SessionID, resp.Rotation, resp.EncryptedKey); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	a.id = resp.AgentID
	a.logger.Info("session established",
		"agent_id", a.id, "session_id", a.sessionID, "fingerprint", fingerprint, "expires_at", resp.ExpiresAt)
	return nil
}

func (a *agent) installKey(sessionID string, rotation int, wrapped []byte) error {
	sessionKey, err := protocol.UnwrapSessionKey(a.key, wrapped)
	if err != nil {
		return fmt.Errorf("unwrapping session key: %w", err)
	}
	keys, err := protocol.DeriveKeys(sessionKey)
	if err != nil {
		return err
	}
	a.sessionID, a.rotation, a.keys = sessionID, rotation, keys
	return nil
}

// applyRotation switches to an offered key. Offers repeat until the gateway
// sees a request signed with the new key, so an already applied offer is
// ignored.
func (a *agent) applyRotation(offer *protocol.RotationOffer) {
	if offer == nil || (offer.SessionID == a.sessionID && offer.Rotation <= a.rotation) {
		return
	}
	if err := a.installKey(offer.SessionID, offer.Rotation, offer.EncryptedKey); err != nil {
		a.logger.Error("rotation offer rejected", "error", err)
		return
	}
	a.logger.Info("session key rotated", "session_id", offer.SessionID, "rotation", offer.Rotation)
}

// step polls once and executes the command it receives, if any.
func (a *agent) step(ctx context.Context) error {
	var poll protocol.PollResponse
	if err := a.signed(ctx, protocol.PathPoll, protocol.PollRequest{WaitSeconds: a.wait}, &poll); err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if poll.Command == nil {
		a.applyRotation(poll.Rotation)
		return nil
	}

	// The command is sealed under the key that signed the poll; an offer
	// riding on this response is applied once the result is reported.

	cmd := poll.Command
	log := a.logger.With("command_id", cmd.ID)
	report := protocol.ResultReport{CommandID: cmd.ID}

	payload, err := protocol.Open(a.keys.Payload, cmd.Payload, []byte(a.id))
	if err != nil {
		log.Error("cannot open command payload", "error", err)
		report.Status = protocol.StatusError
		report.ErrorCode = 1
	} else {
		log.Debug("executing command", "priority", cmd.Priority, "bytes", len(payload))
		status, code, out := a.handle(payload)
		report.Status = protocol.ResultStatus(status)
		report.ErrorCode = code
		if len(out) > 0 {
			if report.Payload, err = protocol.Seal(a.keys.Payload, out, []byte(a.id)); err != nil {
				return fmt.Errorf("sealing result: %w", err)
			}
		}
	}

	var ack protocol.ResultAck
	if err := a.signed(ctx, protocol.PathResults, report, &ack); err != nil {
		return fmt.Errorf("report %s: %w", cmd.ID, err)
	}
	a.applyRotation(ack.Rotation)
	log.Info("result reported", "status", report.Status, "duplicate", ack.Duplicate)
	return nil
}

// signed POSTs v as JSON with request authentication headers.
func (a *agent) signed(ctx context.Context, path string, v, out any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := protocol.SignRequest(req, a.id, a.keys.MAC, body, time.Now()); err != nil {
		return err
	}
	return a.send(req, out)
}

func (a *agent) send(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", errSessionLost, e.Error)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
