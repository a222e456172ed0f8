// Package kafkaconn builds secured kafka-go clients from config and probes
// broker reachability.
package kafkaconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/KafClaw/switchboard/internal/config"
)

// DialTimeout bounds broker connection setup.
const DialTimeout = 8 * time.Second

func protocol(sec config.KafkaSecurityConfig) string {
	p := strings.ToUpper(strings.TrimSpace(sec.SecurityProtocol))
	if p == "" {
		return "PLAINTEXT"
	}
	return p
}

// UsesTLS reports whether the security protocol is SSL or SASL_SSL.
func UsesTLS(sec config.KafkaSecurityConfig) bool {
	p := protocol(sec)
	return p == "SSL" || p == "SASL_SSL"
}

// TLSConfig returns nil for plaintext protocols.
func TLSConfig(sec config.KafkaSecurityConfig, serverName string) (*tls.Config, error) {
	switch p := protocol(sec); p {
	case "PLAINTEXT", "SASL_PLAINTEXT":
		return nil, nil
	case "SSL", "SASL_SSL":
	default:
		return nil, fmt.Errorf("unsupported security protocol: %s", p)
	}

	conf := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if sec.CAFile != "" {
		pem, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	if (sec.CertFile == "") != (sec.KeyFile == "") {
		return nil, errors.New("client certificate needs both certFile and keyFile")
	}
	if sec.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// Mechanism returns nil when SASL is not in use.
func Mechanism(sec config.KafkaSecurityConfig) (sasl.Mechanism, error) {
	p := protocol(sec)
	mech := strings.ToUpper(strings.TrimSpace(sec.SASLMechanism))
	if mech == "" {
		if strings.HasPrefix(p, "SASL_") {
			return nil, fmt.Errorf("missing saslMechanism for securityProtocol=%s", p)
		}
		return nil, nil
	}
	switch mech {
	case "PLAIN":
		return plain.Mechanism{Username: sec.Username, Password: sec.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, sec.Username, sec.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, sec.Username, sec.Password)
	default:
		return nil, fmt.Errorf("unsupported saslMechanism: %s", mech)
	}
}

// Dialer returns a dialer for readers and direct connections.
func Dialer(sec config.KafkaSecurityConfig, serverName string) (*kafka.Dialer, error) {
	tlsConf, err := TLSConfig(sec, serverName)
	if err != nil {
		return nil, err
	}
	mech, err := Mechanism(sec)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       DialTimeout,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

// Transport returns a transport for kafka.Writer.
func Transport(sec config.KafkaSecurityConfig) (*kafka.Transport, error) {
	tlsConf, err := TLSConfig(sec, "")
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	mech, err := Mechanism(sec)
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	return &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: DialTimeout,
	}, nil
}
