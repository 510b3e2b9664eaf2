// Package logging provides the structured logger used across every
// component and the access-log sink emitted once per completed request
// (spec §8 property 7). It is backed by go.uber.org/zap; format
// selection (json vs console) mirrors the teacher's LogConfig.Format.
package logging

import (
	"net"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	z   *zap.Logger
	out zapcore.WriteSyncer
}

// Entry is the access-log record. Fields are unchanged from the
// teacher's shape except for CorrelationID, which spec §7 requires to
// also appear in any error surfaced to the client.
type Entry struct {
	Timestamp        string `json:"timestamp"`
	CorrelationID    string `json:"correlation_id"`
	RemoteIP         string `json:"remote_ip"`
	Host             string `json:"host"`
	Method           string `json:"method"`
	URI              string `json:"uri"`
	Status           int    `json:"status"`
	LatencyMS        int64  `json:"latency_ms"`
	Upstream         string `json:"upstream"`
	Route            string `json:"route"`
	ChallengeApplied bool   `json:"challenge_applied"`
	RateLimited      bool   `json:"rate_limited"`
	Blocked          bool   `json:"blocked"`
}

func New(format string, output string) *Logger {
	var ws zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if output != "stdout" && output != "" {
		if f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			ws = zapcore.AddSync(f)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, ws, zap.InfoLevel)
	return &Logger{z: zap.New(core), out: ws}
}

// Base returns the underlying zap logger for components that want
// structured field logging outside the access-log path (health
// checker, supervisor, cluster).
func (l *Logger) Base() *zap.Logger { return l.z }

func (l *Logger) Write(entry Entry) {
	l.z.Info("access",
		zap.String("correlation_id", entry.CorrelationID),
		zap.String("remote_ip", entry.RemoteIP),
		zap.String("host", entry.Host),
		zap.String("method", entry.Method),
		zap.String("uri", entry.URI),
		zap.Int("status", entry.Status),
		zap.Int64("latency_ms", entry.LatencyMS),
		zap.String("upstream", entry.Upstream),
		zap.String("route", entry.Route),
		zap.Bool("challenge_applied", entry.ChallengeApplied),
		zap.Bool("rate_limited", entry.RateLimited),
		zap.Bool("blocked", entry.Blocked),
	)
}

func (l *Logger) Sync() error { return l.z.Sync() }

func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
