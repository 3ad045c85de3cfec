package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-db/kestrel/internal/domain"
)

// NATSSink publishes audit events to NATS so an external retention
// service can persist them. Subjects are kestrel.audit.<engine-id>,
// or kestrel.audit.system when no engine is involved.
type NATSSink struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSSink connects with reconnect resilience.
func NewNATSSink(cfg domain.AuditConfig, logger *slog.Logger) (*NATSSink, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	reconnectWait := cfg.NATSReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 5
	}

	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(time.Duration(reconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("audit nats disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("audit nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConfiguration, err, "connect audit nats")
	}

	logger.Info("audit nats connected", "url", conn.ConnectedUrl())
	return &NATSSink{conn: conn, logger: logger}, nil
}

func (s *NATSSink) Emit(ev domain.AuditEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("audit event marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	engine := ev.EngineID
	if engine == "" {
		engine = "system"
	}
	subject := fmt.Sprintf("kestrel.audit.%s", engine)
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("audit publish failed", "subject", subject, "error", err)
	}
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
