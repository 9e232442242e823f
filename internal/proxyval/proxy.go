// Package proxyval defines the Proxy and Location value types shared by
// every pipeline stage: URL parsing, canonical round-trip, and the
// storage-facing dict projection.
package proxyval

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme enumerates the upstream proxy protocols this system understands.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS4 Scheme = "socks4"
	SchemeSOCKS5 Scheme = "socks5"
)

func validScheme(s string) (Scheme, bool) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5:
		return Scheme(strings.ToLower(s)), true
	default:
		return "", false
	}
}

// Candidate is a raw scheme/host/port triple scraped from free text,
// before it has been validated into a Proxy.
type Candidate struct {
	Scheme string
	Host   string
	Port   string
}

// Location is geolocation data for an IP address. Exists in storage iff
// that IP has been successfully geolocated at least once.
type Location struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	RegionCode  string  `json:"region_code"`
	RegionName  string  `json:"region_name"`
	City        string  `json:"city"`
	ZipCode     string  `json:"zip_code"`
	TimeZone    string  `json:"time_zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MetroCode   int     `json:"metro_code"`
}

// Proxy is a candidate upstream endpoint moving through the pipeline.
type Proxy struct {
	Host     string
	Port     int
	Login    string
	Password string
	Scheme   Scheme

	LatencySeconds *float64
	IsAlive        *bool
	Anonymous      *bool
	InProcess      bool

	DateCreation time.Time
	DateUpdate   *time.Time
	CheckedAt    *time.Time

	Location *Location
}

// ParseURL parses "scheme://[login[:password]@]host[:port]" into a Proxy.
// The port is optional at parse time (rejected later, before enqueueing
// for a check, by RequireHostPort).
func ParseURL(raw string) (*Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	scheme, ok := validScheme(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("unrecognized proxy scheme %q", u.Scheme)
	}
	if u.Host == "" && u.Opaque == "" {
		return nil, fmt.Errorf("missing host in proxy url %q", raw)
	}

	host := u.Hostname()
	var port int
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}

	p := &Proxy{
		Host:   host,
		Port:   port,
		Scheme: scheme,
	}
	if u.User != nil {
		p.Login = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// RequireHostPort rejects a Proxy that is missing the port required
// before it can be handed to the checker.
func (p *Proxy) RequireHostPort() error {
	if p.Host == "" {
		return fmt.Errorf("proxy missing host")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("proxy %s: port %d out of range", p.Host, p.Port)
	}
	return nil
}

// URL reconstructs the proxy URI exactly as recognized fields were
// supplied: scheme://[login[:password]@]host[:port]. Password is
// included verbatim; no percent-encoding is introduced.
func (p *Proxy) URL() string {
	var b strings.Builder
	b.WriteString(string(p.Scheme))
	b.WriteString("://")
	if p.Login != "" {
		b.WriteString(p.Login)
		if p.Password != "" {
			b.WriteByte(':')
			b.WriteString(p.Password)
		}
		b.WriteByte('@')
	}
	b.WriteString(p.Host)
	if p.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(p.Port))
	}
	return b.String()
}

// String implements fmt.Stringer with the password redacted, matching
// the teacher's Proxy.String convention for logs.
func (p *Proxy) String() string {
	hostPort := p.Host
	if p.Port != 0 {
		hostPort = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	if p.Login != "" {
		return fmt.Sprintf("%s://***:***@%s", p.Scheme, hostPort)
	}
	return fmt.Sprintf("%s://%s", p.Scheme, hostPort)
}

// Record is the typed, storage-relevant projection of a Proxy: host,
// port, login, password, scheme, latency, is_alive, date_*, anonymous,
// in_process. It deliberately excludes Location (persisted separately)
// and CheckedAt (an in-memory-only computed field).
type Record struct {
	Host           string
	Port           int
	Login          *string
	Password       *string
	Scheme         string
	LatencySeconds *float64
	IsAlive        *bool
	Anonymous      *bool
	InProcess      bool
	DateCreation   *time.Time
	DateUpdate     *time.Time
}

// ToRecord projects the storage-relevant fields of p, matching the
// original's Proxy.as_dict() key set.
func (p *Proxy) ToRecord() Record {
	r := Record{
		Host:           p.Host,
		Port:           p.Port,
		Scheme:         string(p.Scheme),
		LatencySeconds: p.LatencySeconds,
		IsAlive:        p.IsAlive,
		Anonymous:      p.Anonymous,
		InProcess:      p.InProcess,
		DateUpdate:     p.DateUpdate,
	}
	if p.Login != "" {
		r.Login = &p.Login
	}
	if p.Password != "" {
		r.Password = &p.Password
	}
	if !p.DateCreation.IsZero() {
		r.DateCreation = &p.DateCreation
	}
	return r
}

// StorageFields projects the same keys as ToRecord into a loosely typed
// map, mirroring the original's as_dict() for callers that want a dict
// rather than a struct.
func (p *Proxy) StorageFields() map[string]any {
	m := map[string]any{
		"host":        p.Host,
		"port":        p.Port,
		"scheme":      string(p.Scheme),
		"in_process":  p.InProcess,
		"date_update": p.DateUpdate,
	}
	if p.Login != "" {
		m["login"] = p.Login
	}
	if p.Password != "" {
		m["password"] = p.Password
	}
	if p.LatencySeconds != nil {
		m["latency"] = *p.LatencySeconds
	}
	if p.IsAlive != nil {
		m["is_alive"] = *p.IsAlive
	}
	if p.Anonymous != nil {
		m["anonymous"] = *p.Anonymous
	}
	if !p.DateCreation.IsZero() {
		m["date_creation"] = p.DateCreation
	}
	return m
}

// FromRecord builds a Proxy from a storage row, the inverse of ToRecord.
func FromRecord(r Record) *Proxy {
	p := &Proxy{
		Host:           r.Host,
		Port:           r.Port,
		Scheme:         Scheme(r.Scheme),
		LatencySeconds: r.LatencySeconds,
		IsAlive:        r.IsAlive,
		Anonymous:      r.Anonymous,
		InProcess:      r.InProcess,
		DateUpdate:     r.DateUpdate,
	}
	if r.Login != nil {
		p.Login = *r.Login
	}
	if r.Password != nil {
		p.Password = *r.Password
	}
	if r.DateCreation != nil {
		p.DateCreation = *r.DateCreation
	}
	return p
}
