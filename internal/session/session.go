// Package session wraps a single node's MQTT+TLS client: a
// per-node connect/disconnect/publish/subscribe/probe contract serialized
// by a connect_lock, with is_connected() cached between probes.
package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/rmfleet/rmfleet/internal/identity"
	"github.com/rmfleet/rmfleet/internal/resilience"
)

// ErrConnectFailed and ErrPublishFailed are the surface-level error kinds
// returned by Session; they wrap the underlying transport error.
var (
	ErrConnectFailed = errors.New("session: connect failed")
	ErrPublishFailed = errors.New("session: publish failed")
)

const (
	// pingInterval strictly exceeds the broker's 20s keep-alive so a probe
	// never races a routine keep-alive ping.
	pingInterval = 45 * time.Second
	probeTimeout = 2 * time.Second
)

// MessageHandler receives a message's topic and raw payload; JSON parsing
// is the handler's responsibility.
type MessageHandler func(topic string, payload []byte)

// Config configures how a session connects to the broker.
type Config struct {
	Broker            string
	ClientID          string
	KeepAlive         time.Duration // esp_keepalive_time_s, default 20s
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	CleanSession      bool
	PingSentinelTopic func(nodeID string) string // where the liveness probe is published

	// OnBreakerStateChange is forwarded to the publish/probe circuit
	// breaker so a trip or recovery can be mirrored into the Metrics
	// Registry and the Event Mirror. Optional.
	OnBreakerStateChange resilience.StateChangeFunc
}

// Session is a single node's MQTT client. All exported methods are safe for
// concurrent use; connect/disconnect/reconnect are serialized by connectLock.
type Session struct {
	nodeID   string
	certPath string
	keyPath  string
	cfg      Config
	logger   *zap.Logger

	client mqtt.Client

	connectLock sync.Mutex
	pubMu       sync.Mutex // serializes publish/subscribe against the shared client handle

	connected int32 // atomic cached liveness
	lastProbe atomic.Value // time.Time

	connectStartTS atomic.Value // time.Time, reset on each successful (re)connect

	guard *resilience.CircuitBreaker // shields publish/probe from cascading failure
}

// New builds a Session for a node from its discovered identity. The TLS
// config performs mutual authentication with the broker using the node's
// own cert/key and its root CA.
func New(ni identity.NodeIdentity, cfg Config, logger *zap.Logger) (*Session, error) {
	tlsConfig, err := buildTLSConfig(ni)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = ni.NodeID
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 20 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 8 * time.Second
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 6 * time.Second
	}

	s := &Session{
		nodeID:   ni.NodeID,
		certPath: ni.CertPath,
		keyPath:  ni.KeyPath,
		cfg:      cfg,
		logger:   logger.With(zap.String("node_id", ni.NodeID)),
		guard:    resilience.NewCircuitBreaker(5, 30*time.Second),
	}
	if cfg.OnBreakerStateChange != nil {
		s.guard.OnStateChange(cfg.OnBreakerStateChange)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetTLSConfig(tlsConfig)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.OperationTimeout)
	opts.SetAutoReconnect(false) // the pool drives reconnects explicitly
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		atomic.StoreInt32(&s.connected, 0)
		// Broker-side disconnect noise must never surface as an error.
		s.logger.Debug("connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func buildTLSConfig(ni identity.NodeIdentity) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(ni.CertPath, ni.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(ni.RootCAPath)
	if err != nil {
		return nil, fmt.Errorf("read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse root CA %s", ni.RootCAPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Connect establishes the TLS-mutual-auth MQTT session. Records
// connect_start_ts on success.
func (s *Session) Connect() error {
	s.connectLock.Lock()
	defer s.connectLock.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: timeout after %s", ErrConnectFailed, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	atomic.StoreInt32(&s.connected, 1)
	now := time.Now()
	s.connectStartTS.Store(now)
	s.lastProbe.Store(now)
	return nil
}

// Disconnect is best-effort and idempotent; broker-side disconnect noise
// never surfaces to the caller.
func (s *Session) Disconnect() {
	s.connectLock.Lock()
	defer s.connectLock.Unlock()

	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	atomic.StoreInt32(&s.connected, 0)
}

// Reconnect disconnects then connects again with a >=1s inter-step delay.
func (s *Session) Reconnect() error {
	s.Disconnect()
	time.Sleep(1 * time.Second)
	return s.Connect()
}

// Publish sends payload to topic. Topics whose suffix is "otastatus" are
// forced to qos 0 regardless of the caller's request.
func (s *Session) Publish(topic string, payload []byte, qos byte, topicSuffix string) error {
	if topicSuffix == "otastatus" {
		qos = 0
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	err := s.guard.Call(func() error {
		token := s.client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(s.cfg.OperationTimeout) {
			return fmt.Errorf("publish timeout")
		}
		return token.Error()
	})
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers a message handler for topic at the given qos.
func (s *Session) Subscribe(topic string, qos byte, handler MessageHandler) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(s.cfg.OperationTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// Unsubscribe removes a previously registered subscription.
func (s *Session) Unsubscribe(topic string) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	token := s.client.Unsubscribe(topic)
	if !token.WaitTimeout(s.cfg.OperationTimeout) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// IsConnected is a cached liveness indicator; at most one live-probe per
// pingInterval is issued. A call within pingInterval of the last probe
// returns the cached state without network I/O.
func (s *Session) IsConnected() bool {
	if atomic.LoadInt32(&s.connected) == 0 {
		return false
	}

	last, _ := s.lastProbe.Load().(time.Time)
	if time.Since(last) < pingInterval {
		return true
	}

	if err := s.probe(); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return false
	}
	return true
}

// probe publishes a zero-length payload to a sentinel topic at qos 0; any
// transport error marks the session Failed (cleared connected flag).
func (s *Session) probe() error {
	s.lastProbe.Store(time.Now())

	if !s.client.IsConnected() {
		return fmt.Errorf("transport reports disconnected")
	}

	topic := s.nodeID + "/__probe"
	if s.cfg.PingSentinelTopic != nil {
		topic = s.cfg.PingSentinelTopic(s.nodeID)
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	return s.guard.Call(func() error {
		token := s.client.Publish(topic, 0, false, []byte{})
		if !token.WaitTimeout(probeTimeout) {
			return fmt.Errorf("probe timeout")
		}
		return token.Error()
	})
}

// ConnectStartTS returns when the current connection began, or the zero
// time if never connected.
func (s *Session) ConnectStartTS() time.Time {
	ts, _ := s.connectStartTS.Load().(time.Time)
	return ts
}

// NodeID returns the identity this session was built for.
func (s *Session) NodeID() string { return s.nodeID }

// CertPath and KeyPath return the filesystem paths of this node's identity
// material, for the Session State Store's bookkeeping.
func (s *Session) CertPath() string { return s.certPath }
func (s *Session) KeyPath() string  { return s.keyPath }
