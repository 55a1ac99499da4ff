package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrStaleConnection     = errors.New("connection stale (no traffic)")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	ErrManagerClosed       = errors.New("connection manager closed")
)

// ConnectionError is a failure to establish the feed connection. It is fatal
// during bootstrap and retryable at runtime.
type ConnectionError struct {
	Op  string // "initialize" or "reconnect"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscribeError is a failed subscribe or unsubscribe for one instrument.
type SubscribeError struct {
	Op         string // "subscribe" or "unsubscribe"
	Instrument model.InstrumentID
	Err        error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Instrument, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a data frame handed from the manager to the frame router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Subscribe frame tr_type values.
const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
)

// Control frame markers.
const (
	heartbeatTrID        = "PINGPONG"
	rtCodeSuccess        = "0"
	msgAlreadySubscribed = "OPSP0002"
)

// requestFrame is a subscribe/unsubscribe request.
type requestFrame struct {
	Header requestHeader `json:"header"`
	Body   requestBody   `json:"body"`
}

type requestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type requestBody struct {
	Input requestInput `json:"input"`
}

type requestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

// controlFrame is a JSON frame from the feed: heartbeat or request result.
type controlFrame struct {
	Header struct {
		TrID    string `json:"tr_id"`
		TrKey   string `json:"tr_key"`
		Encrypt string `json:"encrypt"`
	} `json:"header"`
	Body *struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	} `json:"body"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., ws://ops.koreainvestment.com:21000)
	PingInterval time.Duration // How often to send a transport-level ping
	PingTimeout  time.Duration // Max time without any traffic before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  90 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	Client               ClientConfig
	TRID                 string        // Realtime transaction id (e.g., H0STCNT0)
	CustomerType         string        // "P" personal, "B" business
	ReconnectDelay       time.Duration // Wait before the automatic reconnect after a drop
	MaxReconnectFailures int           // Consecutive failures before DEGRADED
	MinCallInterval      time.Duration // Spacing of auth and resubscribe calls
	MessageBufferSize    int           // Buffer size for the router channel
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:               DefaultClientConfig(),
		TRID:                 "H0STCNT0",
		CustomerType:         "P",
		ReconnectDelay:       1 * time.Second,
		MaxReconnectFailures: 3,
		MinCallInterval:      100 * time.Millisecond,
		MessageBufferSize:    10000,
	}
}
