package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"camlink/crypto"
	"camlink/registry"
	"camlink/storage"
)

var (
	// ErrPairingTimeout is returned when no AuthResponse arrives within the pairing timeout.
	ErrPairingTimeout = errors.New("network: pairing timed out")
	// ErrNoPendingApproval is returned by Approve when the peer is not waiting for a decision.
	ErrNoPendingApproval = errors.New("network: no pending approval for peer")
)

// PairingState is the trust state of a peer as seen by the pairing state machine.
type PairingState string

const (
	PairingUnknown         PairingState = "unknown"
	PairingPendingApproval PairingState = "pending_approval"
	PairingAuthorized      PairingState = "authorized"
	PairingBlocked         PairingState = "blocked"
	PairingRejected        PairingState = "rejected"
)

// decideAuth is the responder's decision table. Block is checked before authorization.
func decideAuth(record registry.Record, known bool) PairingState {
	switch {
	case !known:
		return PairingPendingApproval
	case record.Blocked:
		return PairingBlocked
	case record.Authorized && record.SessionKey != "":
		return PairingAuthorized
	default:
		return PairingPendingApproval
	}
}

type inboundPairing struct {
	ch      *Channel
	request CommandEnvelope
	auth    AuthRequest
}

type outboundPairing struct {
	ch    *Channel
	keys  *crypto.KeyPair
	timer *time.Timer

	once sync.Once
	done chan struct{}
	err  error
}

func (p *outboundPairing) finish(err error) bool {
	finished := false
	p.once.Do(func() {
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		finished = true
	})
	return finished
}

func (p *outboundPairing) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Pair waits for the outcome of the pairing attempt on the current channel to peerUUID,
// starting one when the channel has none. Concurrent callers share one attempt. A failed
// attempt is not retried on the same channel; reconnect to try again.
func (m *Manager) Pair(ctx context.Context, peerUUID string) error {
	ch := m.channel(peerUUID)

	m.pairMu.Lock()
	attempt := m.outbound[peerUUID]
	m.pairMu.Unlock()

	switch {
	case attempt != nil && (ch == nil || attempt.ch == ch):
	case ch == nil:
		return fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	case !ch.Outbound():
		if ch.Authorized() {
			return nil
		}
		return fmt.Errorf("%w: channel from %s was not dialed locally", ErrAuthFailure, peerUUID)
	default:
		var err error
		if attempt, err = m.beginPairing(ch); err != nil {
			return err
		}
	}

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Approve resolves a pending pairing request. Accepting seals a fresh session key for the
// peer; rejecting sends a failure and closes the channel.
func (m *Manager) Approve(peerUUID string, accept bool) error {
	m.pairMu.Lock()
	pending, ok := m.inbound[peerUUID]
	if ok {
		delete(m.inbound, peerUUID)
	}
	m.pairMu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNoPendingApproval, peerUUID)
	}
	if pending.ch.State().Terminal() {
		return fmt.Errorf("%w %q", ErrNoChannel, peerUUID)
	}

	if !accept {
		m.audit(peerUUID, storage.PairingRoleOperator, PairingRejected, nil)
		m.refuse(pending.ch, pending.request, false)
		return nil
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return err
	}
	m.audit(peerUUID, storage.PairingRoleOperator, PairingAuthorized, nil)
	return m.grant(pending.ch, pending.request, pending.auth, sessionKey)
}

// beginPairing sends an AuthRequest on an outbound channel. A locally authorized peer has
// its stored key installed immediately so queued commands flow while the responder confirms.
func (m *Manager) beginPairing(ch *Channel) (*outboundPairing, error) {
	peerUUID := ch.PeerUUID()
	record, known := m.options.Registry.Get(peerUUID)
	if known && record.Blocked {
		return nil, ErrPeerBlocked
	}

	m.pairMu.Lock()
	if existing := m.outbound[peerUUID]; existing != nil && existing.ch == ch && !existing.finished() {
		m.pairMu.Unlock()
		return existing, nil
	}

	ephemeral, err := crypto.GenerateAgreementKey()
	if err != nil {
		m.pairMu.Unlock()
		return nil, err
	}
	attempt := &outboundPairing{
		ch:   ch,
		keys: m.options.Identity.Keys.WithAgreement(ephemeral),
		done: make(chan struct{}),
	}
	attempt.timer = time.AfterFunc(m.options.PairingTimeout, func() {
		m.failPairing(peerUUID, attempt, ErrPairingTimeout)
	})
	m.outbound[peerUUID] = attempt
	m.pairMu.Unlock()

	if known && record.Authorized && record.SessionKey != "" && !ch.Authorized() {
		if err := ch.Authorize(record.SessionKey); err != nil {
			m.failPairing(peerUUID, attempt, err)
			return nil, err
		}
	}

	identity := m.options.Identity
	request := AuthRequest{
		UUID:               identity.UUID,
		DisplayName:        identity.DisplayName,
		Model:              identity.Model,
		SigningPublicKey:   identity.Keys.SigningPublicKey(),
		AgreementPublicKey: ephemeral.PublicKey().Bytes(),
		Message:            m.options.Justification,
		ProtocolVersion:    ProtocolVersion,
	}
	request.Signature, err = crypto.Sign(identity.Keys.Signing, request.SigningData(peerUUID, ch.Binding()))
	if err != nil {
		m.failPairing(peerUUID, attempt, err)
		return nil, err
	}
	if err := ch.Send(FamilyAuth, request); err != nil {
		m.failPairing(peerUUID, attempt, err)
		return nil, err
	}

	m.audit(peerUUID, storage.PairingRoleInitiator, PairingUnknown, map[string]any{"request_sent": true})
	return attempt, nil
}

func (m *Manager) handleAuth(ch *Channel, envelope CommandEnvelope) {
	if envelope.Response {
		m.handleAuthResponse(ch, envelope)
		return
	}
	m.handleAuthRequest(ch, envelope)
}

func (m *Manager) handleAuthRequest(ch *Channel, envelope CommandEnvelope) {
	var request AuthRequest
	if err := envelope.Decode(&request); err != nil {
		m.log.Warnf("dropping auth request from %s: %v", ch.RemoteAddr(), err)
		return
	}
	if request.UUID == "" || request.UUID == m.options.Identity.UUID {
		m.log.Warnf("dropping auth request from %s: invalid uuid %q", ch.RemoteAddr(), request.UUID)
		return
	}
	if _, err := crypto.ParseSigningPublicKey(request.SigningPublicKey); err != nil {
		m.log.Warnf("dropping auth request from %s: %v", request.UUID, err)
		return
	}
	if _, err := crypto.ParseAgreementPublicKey(request.AgreementPublicKey); err != nil {
		m.log.Warnf("dropping auth request from %s: %v", request.UUID, err)
		return
	}
	if bound := ch.PeerUUID(); bound != "" && bound != request.UUID {
		m.log.Warnf("dropping auth request: channel bound to %s, request from %s", bound, request.UUID)
		return
	}
	if request.ProtocolVersion != ProtocolVersion {
		m.log.Warnf("refusing %s: %v %d", request.UUID, ErrUnsupportedVersion, request.ProtocolVersion)
		m.refuse(ch, envelope, false)
		return
	}

	// Nothing about the peer is recorded or trusted until the request proves possession
	// of the signing key on file for that UUID.
	if err := m.verifyAuthRequest(ch, request); err != nil {
		m.log.Warnf("refusing auth request from %s for %s: %v", ch.RemoteAddr(), request.UUID, err)
		m.refuse(ch, envelope, false)
		return
	}

	m.bindChannel(request.UUID, ch)

	record, err := m.options.Registry.Observe(registry.Identity{
		UUID:               request.UUID,
		SigningPublicKey:   request.SigningPublicKey,
		AgreementPublicKey: request.AgreementPublicKey,
	}, request.DisplayName, request.Model)
	if err != nil {
		m.reportError(fmt.Errorf("observe %s: %w", request.UUID, err))
		return
	}

	state := decideAuth(record, true)
	m.audit(request.UUID, storage.PairingRoleResponder, state, map[string]any{"message": request.Message})

	switch state {
	case PairingBlocked:
		m.refuse(ch, envelope, true)
	case PairingAuthorized:
		if err := m.grant(ch, envelope, request, record.SessionKey); err != nil {
			m.reportError(err)
		}
	default:
		m.pairMu.Lock()
		m.inbound[request.UUID] = &inboundPairing{ch: ch, request: envelope, auth: request}
		m.pairMu.Unlock()

		m.requestApproval(ApprovalRequest{
			PeerUUID:    request.UUID,
			DisplayName: request.DisplayName,
			Model:       request.Model,
			Fingerprint: record.Fingerprint(),
			Message:     request.Message,
		})
	}
}

// verifyAuthRequest checks the initiator's signature over this channel's binding. A known
// peer must sign with the key already on file; an unknown one with the key it offers.
func (m *Manager) verifyAuthRequest(ch *Channel, request AuthRequest) error {
	if !crypto.Verify(request.SigningPublicKey, request.SigningData(m.options.Identity.UUID, ch.Binding()), request.Signature) {
		return fmt.Errorf("%w: invalid request signature", ErrAuthFailure)
	}
	if record, known := m.options.Registry.Get(request.UUID); known && len(record.SigningPublicKey) > 0 &&
		!bytes.Equal(record.SigningPublicKey, request.SigningPublicKey) {
		return fmt.Errorf("%w: signing key differs from the one on file", ErrAuthFailure)
	}
	return nil
}

// grant seals sessionKey for the initiator and answers with success. The channel key is
// installed before the response is written so the initiator's first command is accepted.
func (m *Manager) grant(ch *Channel, request CommandEnvelope, auth AuthRequest, sessionKey string) error {
	sealed, signature, err := m.options.Identity.Keys.DeriveAndSeal(auth.AgreementPublicKey, []byte(sessionKey))
	if err != nil {
		m.refuse(ch, request, false)
		return err
	}

	if _, err := m.options.Registry.Authorize(auth.UUID, sessionKey, sealed); err != nil {
		blocked := errors.Is(err, registry.ErrBlocked)
		m.refuse(ch, request, blocked)
		return fmt.Errorf("authorize %s: %w", auth.UUID, err)
	}

	if err := ch.Authorize(sessionKey); err != nil {
		return err
	}

	identity := m.options.Identity
	if err := ch.Respond(request, AuthResponse{
		Status:                   AuthStatusSuccess,
		UUID:                     identity.UUID,
		DisplayName:              identity.DisplayName,
		Model:                    identity.Model,
		ServerSigningPublicKey:   identity.Keys.SigningPublicKey(),
		ServerAgreementPublicKey: identity.Keys.AgreementPublicKey(),
		ServerSessionPublicKey:   sealed,
		SessionSignature:         signature,
		Ports:                    identity.Ports,
		ProtocolVersion:          ProtocolVersion,
	}); err != nil {
		return err
	}

	m.audit(auth.UUID, storage.PairingRoleResponder, PairingAuthorized, nil)
	m.publish(Event{Kind: EventPaired, PeerUUID: auth.UUID})
	return nil
}

// refuse answers an AuthRequest with failure and closes the channel.
func (m *Manager) refuse(ch *Channel, request CommandEnvelope, blocked bool) {
	identity := m.options.Identity
	_ = ch.Respond(request, AuthResponse{
		Status:          AuthStatusFailure,
		UUID:            identity.UUID,
		DisplayName:     identity.DisplayName,
		Model:           identity.Model,
		Blocked:         blocked,
		ProtocolVersion: ProtocolVersion,
	})
	_ = ch.Close()
}

func (m *Manager) handleAuthResponse(ch *Channel, envelope CommandEnvelope) {
	peerUUID := ch.PeerUUID()

	m.pairMu.Lock()
	attempt := m.outbound[peerUUID]
	m.pairMu.Unlock()
	if attempt == nil || attempt.ch != ch || attempt.finished() {
		m.log.Infof("ignoring auth response from %s: no pairing attempt pending", peerUUID)
		return
	}

	var response AuthResponse
	if err := envelope.Decode(&response); err != nil {
		m.log.Warnf("dropping auth response from %s: %v", peerUUID, err)
		return
	}
	if response.UUID != peerUUID {
		m.failPairing(peerUUID, attempt, fmt.Errorf("%w: response from %q on channel to %q", ErrAuthFailure, response.UUID, peerUUID))
		return
	}

	if response.Status != AuthStatusSuccess {
		state := PairingRejected
		if response.Blocked {
			state = PairingBlocked
			if _, err := m.options.Registry.Block(peerUUID); err != nil {
				m.reportError(fmt.Errorf("mirror block of %s: %w", peerUUID, err))
			}
		}
		m.audit(peerUUID, storage.PairingRoleInitiator, state, nil)
		m.failPairing(peerUUID, attempt, fmt.Errorf("%w: %s by %s", ErrAuthFailure, state, peerUUID))
		return
	}

	if record, ok := m.options.Registry.Get(peerUUID); ok && len(record.SigningPublicKey) > 0 &&
		!bytes.Equal(record.SigningPublicKey, response.ServerSigningPublicKey) {
		m.failPairing(peerUUID, attempt, fmt.Errorf("%w: %s presented a different signing key", ErrAuthFailure, peerUUID))
		_ = ch.Close()
		return
	}

	plaintext, err := attempt.keys.OpenAndVerify(
		response.ServerSigningPublicKey,
		response.ServerAgreementPublicKey,
		response.ServerSessionPublicKey,
		response.SessionSignature,
	)
	if err != nil {
		m.failPairing(peerUUID, attempt, fmt.Errorf("%w: %v", ErrAuthFailure, err))
		_ = ch.Close()
		return
	}
	sessionKey := string(plaintext)

	if _, err := m.options.Registry.Observe(registry.Identity{
		UUID:               peerUUID,
		SigningPublicKey:   response.ServerSigningPublicKey,
		AgreementPublicKey: response.ServerAgreementPublicKey,
	}, response.DisplayName, response.Model); err != nil {
		m.failPairing(peerUUID, attempt, err)
		return
	}
	if _, err := m.options.Registry.Authorize(peerUUID, sessionKey, response.ServerSessionPublicKey); err != nil {
		m.failPairing(peerUUID, attempt, fmt.Errorf("authorize %s: %w", peerUUID, err))
		_ = ch.Close()
		return
	}
	if err := ch.Authorize(sessionKey); err != nil {
		m.failPairing(peerUUID, attempt, err)
		return
	}

	if !attempt.finish(nil) {
		return
	}
	m.audit(peerUUID, storage.PairingRoleInitiator, PairingAuthorized, nil)
	m.publish(Event{Kind: EventPaired, PeerUUID: peerUUID, Ports: response.Ports})

	m.wg.Add(1)
	go m.afterPairing(ch)
}

// afterPairing subscribes to status and takes a screenshot, checking for cancellation
// between the two steps.
func (m *Manager) afterPairing(ch *Channel) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	go func() {
		select {
		case <-ch.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	peerUUID := ch.PeerUUID()
	if _, err := m.Camera(ctx, peerUUID, CameraRequest{Command: CameraSubscribeStatus}); err != nil {
		m.reportError(fmt.Errorf("subscribe to status of %s: %w", peerUUID, err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := m.Screenshot(ctx, peerUUID); err != nil {
		m.reportError(fmt.Errorf("screenshot of %s: %w", peerUUID, err))
	}
}

func (m *Manager) failPairing(peerUUID string, attempt *outboundPairing, err error) {
	if !attempt.finish(err) {
		return
	}
	m.log.Warnf("pairing with %s failed: %v", peerUUID, err)
	m.publish(Event{Kind: EventPairingFailed, PeerUUID: peerUUID, Err: err})
}

// abandonPairing fails pairing state tied to a torn-down channel. The finished outbound
// attempt stays on record so Pair can still report its outcome.
func (m *Manager) abandonPairing(peerUUID string, ch *Channel) {
	if peerUUID == "" {
		return
	}

	m.pairMu.Lock()
	attempt := m.outbound[peerUUID]
	if attempt != nil && attempt.ch != ch {
		attempt = nil
	}
	if pending := m.inbound[peerUUID]; pending != nil && pending.ch == ch {
		delete(m.inbound, peerUUID)
	}
	m.pairMu.Unlock()

	if attempt != nil {
		m.failPairing(peerUUID, attempt, ErrChannelClosed)
	}
}
