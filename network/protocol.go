package network

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// SegmentSize is the fixed media chunk length. A shorter chunk ends the file.
	SegmentSize = 2_000_000
	// DefaultConnectionTimeout bounds TCP dial and TLS handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle channels.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds Request when the caller's context has no deadline.
	DefaultRequestTimeout = 15 * time.Second
)

// Tag is the one-byte message-type tag that precedes every frame payload.
type Tag byte

const (
	TagAuth       Tag = 1
	TagCamera     Tag = 2
	TagProject    Tag = 3
	TagStatus     Tag = 4
	TagChunk      Tag = 5
	TagPing       Tag = 6
	TagPong       Tag = 7
	TagDisconnect Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagAuth:
		return "auth"
	case TagCamera:
		return "camera"
	case TagProject:
		return "project"
	case TagStatus:
		return "status"
	case TagChunk:
		return "chunk"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// Family is a coarse command category used to route decoded envelopes.
type Family string

const (
	FamilyAuth    Family = "auth"
	FamilyCamera  Family = "camera"
	FamilyProject Family = "project"
	FamilyStatus  Family = "status"
)

// Tag returns the frame tag that carries envelopes of this family.
func (f Family) Tag() (Tag, bool) {
	switch f {
	case FamilyAuth:
		return TagAuth, true
	case FamilyCamera:
		return TagCamera, true
	case FamilyProject:
		return TagProject, true
	case FamilyStatus:
		return TagStatus, true
	default:
		return 0, false
	}
}

func familyForTag(tag Tag) (Family, bool) {
	switch tag {
	case TagAuth:
		return FamilyAuth, true
	case TagCamera:
		return FamilyCamera, true
	case TagProject:
		return FamilyProject, true
	case TagStatus:
		return FamilyStatus, true
	default:
		return "", false
	}
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrDecode marks a malformed or missing payload. Such messages are dropped locally.
	ErrDecode = errors.New("network: decode error")
	// ErrAuthFailure marks a failed pairing handshake.
	ErrAuthFailure = errors.New("network: authentication failed")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the frame tag is unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// CommandEnvelope wraps every JSON payload on the wire. SessionKey is the capability
// checked on receipt; RequestID correlates a response with the request that caused it.
type CommandEnvelope struct {
	Family     Family          `json:"family"`
	SessionKey string          `json:"session_key,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Response   bool            `json:"response,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the envelope payload into v.
func (e CommandEnvelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrDecode, e.Family)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, e.Family, err)
	}
	return nil
}

// AuthStatus is the outcome carried by an AuthResponse.
type AuthStatus int

const (
	AuthStatusSuccess AuthStatus = 1
	AuthStatusFailure AuthStatus = 2
)

// StreamPorts are transport endpoint hints for media streams.
type StreamPorts struct {
	VideoTCP  int `json:"video_tcp"`
	VideoQUIC int `json:"video_quic"`
	AudioTCP  int `json:"audio_tcp"`
	AudioQUIC int `json:"audio_quic"`
}

// AuthRequest opens the pairing handshake. AgreementPublicKey is ephemeral per attempt.
// Signature is the initiator's signature over SigningData, proving it holds the private
// half of SigningPublicKey.
type AuthRequest struct {
	UUID               string `json:"uuid"`
	DisplayName        string `json:"display_name"`
	Model              string `json:"model"`
	SigningPublicKey   []byte `json:"signing_public_key"`
	AgreementPublicKey []byte `json:"agreement_public_key"`
	Message            string `json:"message"`
	ProtocolVersion    int    `json:"protocol_version"`
	Signature          []byte `json:"signature"`
}

const authSigningContext = "camlink-auth-request"

// SigningData is the byte string an initiator signs: its UUID, the responder's UUID, the
// ephemeral agreement key, the protocol version, and the channel binding of the TLS
// session the request travels on. Each field is length-prefixed.
func (r AuthRequest) SigningData(responderUUID string, binding []byte) []byte {
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], uint32(r.ProtocolVersion))

	var out []byte
	for _, field := range [][]byte{
		[]byte(authSigningContext),
		[]byte(r.UUID),
		[]byte(responderUUID),
		r.AgreementPublicKey,
		version[:],
		binding,
	} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(field)))
		out = append(out, field...)
	}
	return out
}

// AuthResponse answers an AuthRequest. ServerSessionPublicKey holds the sealed session key
// and SessionSignature the responder's signature over it.
type AuthResponse struct {
	Status                   AuthStatus  `json:"status"`
	UUID                     string      `json:"uuid"`
	DisplayName              string      `json:"display_name"`
	Model                    string      `json:"model"`
	ServerSigningPublicKey   []byte      `json:"server_signing_public_key,omitempty"`
	ServerAgreementPublicKey []byte      `json:"server_agreement_public_key,omitempty"`
	ServerSessionPublicKey   []byte      `json:"server_session_public_key,omitempty"`
	SessionSignature         []byte      `json:"session_signature,omitempty"`
	Ports                    StreamPorts `json:"ports"`
	Blocked                  bool        `json:"blocked"`
	ProtocolVersion          int         `json:"protocol_version"`
}

// CameraCommand enumerates camera-family commands.
type CameraCommand string

const (
	CameraStartTake          CameraCommand = "startTake"
	CameraEndTake            CameraCommand = "endTake"
	CameraToggleExposureLock CameraCommand = "toggleExposureLock"
	CameraChangeMode         CameraCommand = "changeMode"
	CameraTakeMediaChunk     CameraCommand = "takeMediaChunk"
	CameraMakeProxy          CameraCommand = "makeProxy"
	CameraScreenshot         CameraCommand = "screenshot"
	CameraSubscribeStatus    CameraCommand = "subscribeStatus"
	CameraUnsubscribeStatus  CameraCommand = "unsubscribeStatus"
)

// CameraRequest is the payload of a camera-family request. DataUUID is command specific:
// a composite "project/take/file" path or a base64 encoded nested structure.
type CameraRequest struct {
	Command  CameraCommand `json:"command"`
	UUID     string        `json:"uuid"`
	DataUUID string        `json:"data_uuid,omitempty"`
}

// CameraResponse is the payload of a camera-family response.
type CameraResponse struct {
	Command CameraCommand `json:"command"`
	UUID    string        `json:"uuid"`
	Success bool          `json:"success"`
	Data    []byte        `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ProjectCommand enumerates project-family commands.
type ProjectCommand string

const (
	ProjectList       ProjectCommand = "listProjects"
	ProjectListTakes  ProjectCommand = "listTakes"
	ProjectDeleteTake ProjectCommand = "deleteTake"
)

// ProjectRequest is the payload of a project-family request.
type ProjectRequest struct {
	Command   ProjectCommand `json:"command"`
	UUID      string         `json:"uuid"`
	ProjectID string         `json:"project_id,omitempty"`
	TakeID    string         `json:"take_id,omitempty"`
}

// Project describes one project on a capture device.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TakeCount int    `json:"take_count"`
}

// Take describes one take and its media files.
type Take struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Files     []string `json:"files"`
}

// ProjectResponse is the payload of a project-family response.
type ProjectResponse struct {
	Command  ProjectCommand `json:"command"`
	UUID     string         `json:"uuid"`
	Success  bool           `json:"success"`
	Projects []Project      `json:"projects,omitempty"`
	Takes    []Take         `json:"takes,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// StatusElement is one key/value entry of a status update.
type StatusElement struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MediaTransferChunk identifies the byte range [Index*SegmentSize, (Index+1)*SegmentSize)
// of one media file.
type MediaTransferChunk struct {
	ProjectUUID string `json:"project_uuid"`
	TakeUUID    string `json:"take_uuid"`
	File        string `json:"file"`
	Index       int    `json:"index"`
}

// Offset returns the first byte of the chunk.
func (c MediaTransferChunk) Offset() int64 {
	return int64(c.Index) * SegmentSize
}

// EncodeChunkDescriptor packs a chunk descriptor into a CameraRequest DataUUID.
func EncodeChunkDescriptor(chunk MediaTransferChunk) (string, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("marshal chunk descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChunkDescriptor unpacks a chunk descriptor from a CameraRequest DataUUID.
func DecodeChunkDescriptor(data string) (MediaTransferChunk, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return MediaTransferChunk{}, fmt.Errorf("%w: chunk descriptor: %v", ErrDecode, err)
	}
	var chunk MediaTransferChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return MediaTransferChunk{}, fmt.Errorf("%w: chunk descriptor: %v", ErrDecode, err)
	}
	if chunk.Index < 0 {
		return MediaTransferChunk{}, fmt.Errorf("%w: negative chunk index %d", ErrDecode, chunk.Index)
	}
	return chunk, nil
}

// ChunkHeader precedes the raw bytes of a chunk frame.
type ChunkHeader struct {
	SessionKey string             `json:"session_key"`
	RequestID  string             `json:"request_id"`
	Descriptor MediaTransferChunk `json:"descriptor"`
}

// EncodeChunk builds a chunk frame payload: 2-byte header length, JSON header, raw data.
func EncodeChunk(header ChunkHeader, data []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk header: %w", err)
	}
	if len(headerJSON) > 0xFFFF {
		return nil, fmt.Errorf("chunk header too large: %d bytes", len(headerJSON))
	}

	payload := make([]byte, 2+len(headerJSON)+len(data))
	binary.BigEndian.PutUint16(payload, uint16(len(headerJSON)))
	copy(payload[2:], headerJSON)
	copy(payload[2+len(headerJSON):], data)
	return payload, nil
}

// DecodeChunk splits a chunk frame payload into its header and data.
func DecodeChunk(payload []byte) (ChunkHeader, []byte, error) {
	if len(payload) < 2 {
		return ChunkHeader{}, nil, fmt.Errorf("%w: chunk frame too short", ErrDecode)
	}
	headerLen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+headerLen {
		return ChunkHeader{}, nil, fmt.Errorf("%w: truncated chunk header", ErrDecode)
	}

	var header ChunkHeader
	if err := json.Unmarshal(payload[2:2+headerLen], &header); err != nil {
		return ChunkHeader{}, nil, fmt.Errorf("%w: chunk header: %v", ErrDecode, err)
	}
	return header, payload[2+headerLen:], nil
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope unmarshals an envelope and checks it matches the frame tag.
func DecodeEnvelope(tag Tag, payload []byte) (CommandEnvelope, error) {
	family, ok := familyForTag(tag)
	if !ok {
		return CommandEnvelope{}, ErrInvalidMessageType
	}
	var envelope CommandEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return CommandEnvelope{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if envelope.Family == "" {
		envelope.Family = family
	}
	if envelope.Family != family {
		return CommandEnvelope{}, fmt.Errorf("%w: family %q under tag %s", ErrDecode, envelope.Family, tag)
	}
	return envelope, nil
}

// WriteFrame writes one frame: 4-byte big-endian length, 1-byte tag, payload.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)+1))
	frame[4] = byte(tag)
	copy(frame[5:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if length-1 > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}

	return Tag(body[0]), body[1:], nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (Tag, []byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
