package kafkaconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/KafClaw/switchboard/internal/config"
)

// Status is the outcome of one probe step.
type Status string

const (
	OK   Status = "OK"
	WARN Status = "WARN"
	FAIL Status = "FAIL"
	SKIP Status = "SKIP"
)

// Layer names the network layer a step exercises.
type Layer string

const (
	L3  Layer = "L3-Network"
	L4  Layer = "L4-TCP"
	L56 Layer = "L5-6-TLS"
	L7  Layer = "L7-Kafka"
)

// Row is a single probe step result.
type Row struct {
	Component string `json:"component"`
	Target    string `json:"target"`
	Layer     Layer  `json:"layer"`
	Status    Status `json:"status"`
	Detail    string `json:"detail"`
	Hint      string `json:"hint,omitempty"`
}

// Report collects the rows of one probe run.
type Report struct {
	Rows       []Row     `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	HasFailed  bool      `json:"has_failed"`
}

func (r *Report) add(row Row) {
	if row.Status == FAIL {
		r.HasFailed = true
	}
	r.Rows = append(r.Rows, row)
}

// Target is one Kafka connection to probe.
type Target struct {
	Component string
	Brokers   []string
	Topic     string
	Security  config.KafkaSecurityConfig
}

// Probe checks DNS, TCP, TLS, the Kafka handshake and topic visibility for
// every broker of every target. It does not produce or consume messages.
func Probe(ctx context.Context, targets []Target, timeout time.Duration) *Report {
	if timeout <= 0 {
		timeout = DialTimeout
	}
	r := &Report{StartedAt: time.Now()}
	for _, t := range targets {
		if len(t.Brokers) == 0 {
			r.add(Row{t.Component, "-", L3, SKIP, "No brokers configured", ""})
			continue
		}
		for _, addr := range t.Brokers {
			probeBroker(ctx, r, t, addr, timeout)
		}
	}
	r.FinishedAt = time.Now()
	return r
}

func probeBroker(ctx context.Context, r *Report, t Target, addr string, timeout time.Duration) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		r.add(Row{t.Component, addr, L3, FAIL, fmt.Sprintf("Invalid broker address: %v", err), "Use host:port."})
		return
	}
	var resolver net.Resolver
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err = resolver.LookupHost(lookupCtx, host)
	cancel()
	if err != nil {
		r.add(Row{t.Component, host, L3, FAIL, fmt.Sprintf("DNS lookup failed: %v", err),
			"Check /etc/hosts, DNS server, split-horizon/VPN search domains."})
		return
	}
	r.add(Row{t.Component, host, L3, OK, "Resolved host", ""})

	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.add(Row{t.Component, addr, L4, FAIL, fmt.Sprintf("TCP connect failed: %v", err),
			"Firewall, security groups, LB listeners, or routing."})
		return
	}
	r.add(Row{t.Component, addr, L4, OK, fmt.Sprintf("Connected in %s", time.Since(start).Truncate(time.Millisecond)), ""})

	tlsConf, err := TLSConfig(t.Security, host)
	if err != nil {
		_ = conn.Close()
		r.add(Row{t.Component, addr, L56, FAIL, err.Error(), "Check caFile, certFile and keyFile."})
		return
	}
	checkTLS(r, conn, tlsConf, t.Component, addr, timeout)
	_ = conn.Close()

	checkKafka(ctx, r, t, addr, host, timeout)
}

func checkTLS(r *Report, base net.Conn, tlsConf *tls.Config, component, addr string, timeout time.Duration) {
	if tlsConf == nil {
		r.add(Row{component, addr, L56, SKIP, "TLS not configured (PLAINTEXT)", "Prefer SSL/SASL_SSL for encryption."})
		return
	}
	_ = base.SetDeadline(time.Now().Add(timeout))
	client := tls.Client(base, tlsConf)
	if err := client.Handshake(); err != nil {
		r.add(Row{component, addr, L56, FAIL, fmt.Sprintf("TLS handshake failed: %v", err),
			"Check CA chain, SNI/hostname, client cert/key, and server certificate validity."})
		return
	}
	state := client.ConnectionState()
	exp := earliestExpiry(&state)
	detail := fmt.Sprintf("TLS %x; peer=%s; expires=%s", state.Version, peerCN(&state), exp.Format("2006-01-02"))
	if !exp.IsZero() && time.Until(exp) < 30*24*time.Hour {
		r.add(Row{component, addr, L56, WARN, detail, "Server certificate expires in less than 30 days."})
		return
	}
	r.add(Row{component, addr, L56, OK, detail, ""})
}

func checkKafka(ctx context.Context, r *Report, t Target, addr, host string, timeout time.Duration) {
	dialer, err := Dialer(t.Security, host)
	if err != nil {
		r.add(Row{t.Component, addr, L7, FAIL, fmt.Sprintf("dialer error: %v", err), "Check securityProtocol and sasl settings."})
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		r.add(Row{t.Component, addr, L7, FAIL, fmt.Sprintf("broker dial failed: %v", err), "Auth/TLS mismatch or listener not exposed."})
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.ApiVersions(); err != nil {
		r.add(Row{t.Component, addr, L7, FAIL, fmt.Sprintf("ApiVersions failed: %v", err), "Broker incompatible or proxy interfering."})
		return
	}
	r.add(Row{t.Component, addr, L7, OK, "ApiVersions OK", ""})

	if t.Topic == "" {
		return
	}
	parts, err := conn.ReadPartitions(t.Topic)
	if err != nil {
		r.add(Row{t.Component, t.Topic, L7, FAIL, fmt.Sprintf("ReadPartitions failed: %v", err), "Grant Describe on the topic or create it."})
		return
	}
	leaders := 0
	for _, p := range parts {
		if p.Topic == t.Topic && p.Leader.Host != "" {
			leaders++
		}
	}
	if len(parts) == 0 {
		r.add(Row{t.Component, t.Topic, L7, FAIL, "Topic not found or not authorized.", "Grant Describe on the topic or create it."})
		return
	}
	r.add(Row{t.Component, t.Topic, L7, OK, fmt.Sprintf("Topic visible; partitions=%d leaders=%d", len(parts), leaders), ""})
}

func peerCN(st *tls.ConnectionState) string {
	if len(st.PeerCertificates) == 0 {
		return "-"
	}
	return st.PeerCertificates[0].Subject.CommonName
}

func earliestExpiry(st *tls.ConnectionState) time.Time {
	var exp time.Time
	for _, c := range st.PeerCertificates {
		if exp.IsZero() || c.NotAfter.Before(exp) {
			exp = c.NotAfter
		}
	}
	return exp
}
