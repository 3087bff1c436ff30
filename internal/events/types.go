// Package events defines the decrypted interaction records returned by a poll.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol identifies the kind of out-of-band interaction.
type Protocol string

// Interaction protocols reported by interactsh servers.
const (
	ProtocolDNS       Protocol = "dns"
	ProtocolHTTP      Protocol = "http"
	ProtocolSMTP      Protocol = "smtp"
	ProtocolFTP       Protocol = "ftp"
	ProtocolLDAP      Protocol = "ldap"
	ProtocolSMB       Protocol = "smb"
	ProtocolSMPP      Protocol = "smpp"
	ProtocolResponder Protocol = "responder"
	ProtocolOther     Protocol = "other"
)

// ParseProtocol maps a wire protocol name onto a Protocol. Unknown names
// become ProtocolOther.
func ParseProtocol(s string) Protocol {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolDNS, ProtocolHTTP, ProtocolSMTP, ProtocolFTP, ProtocolLDAP,
		ProtocolSMB, ProtocolSMPP, ProtocolResponder:
		return p
	default:
		return ProtocolOther
	}
}

func (p Protocol) String() string { return string(p) }

// Interaction is one decrypted record. It is never mutated after Parse.
type Interaction struct {
	Protocol      Protocol            `json:"protocol"`
	RawProtocol   string              `json:"-"`
	UniqueID      string              `json:"unique-id"`
	FullID        string              `json:"full-id"`
	QType         string              `json:"q-type,omitempty"`
	RawRequest    string              `json:"raw-request,omitempty"`
	RawResponse   string              `json:"raw-response,omitempty"`
	SMTPFrom      string              `json:"smtp-from,omitempty"`
	RemoteAddress string              `json:"remote-address"`
	Timestamp     time.Time           `json:"timestamp"`
	AsnInfo       []map[string]string `json:"asninfo,omitempty"`
}

// wireInteraction mirrors the server JSON; timestamp is kept as a string so
// it can be parsed leniently.
type wireInteraction struct {
	Protocol      string              `json:"protocol"`
	UniqueID      string              `json:"unique-id"`
	FullID        string              `json:"full-id"`
	QType         string              `json:"q-type"`
	RawRequest    string              `json:"raw-request"`
	RawResponse   string              `json:"raw-response"`
	SMTPFrom      string              `json:"smtp-from"`
	RemoteAddress string              `json:"remote-address"`
	Timestamp     string              `json:"timestamp"`
	AsnInfo       []map[string]string `json:"asninfo"`
}

var (
	ErrMissingProtocol  = errors.New("interaction has no protocol")
	ErrMissingTimestamp = errors.New("interaction has no timestamp")
)

// Parse decodes a server interaction document.
func Parse(raw []byte) (*Interaction, error) {
	var w wireInteraction
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal interaction: %w", err)
	}
	if w.Protocol == "" {
		return nil, ErrMissingProtocol
	}
	if w.Timestamp == "" {
		return nil, ErrMissingTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	return &Interaction{
		Protocol:      ParseProtocol(w.Protocol),
		RawProtocol:   w.Protocol,
		UniqueID:      w.UniqueID,
		FullID:        w.FullID,
		QType:         w.QType,
		RawRequest:    w.RawRequest,
		RawResponse:   w.RawResponse,
		SMTPFrom:      w.SMTPFrom,
		RemoteAddress: w.RemoteAddress,
		Timestamp:     ts,
		AsnInfo:       w.AsnInfo,
	}, nil
}

// RemoteAddr parses RemoteAddress, which servers send either as a bare IP
// or as ip:port.
func (i *Interaction) RemoteAddr() (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(i.RemoteAddress); err == nil {
		return ap.Addr(), nil
	}
	return netip.ParseAddr(i.RemoteAddress)
}

// Summary is a one-line description used by the text sink.
func (i *Interaction) Summary() string {
	switch i.Protocol {
	case ProtocolDNS:
		if i.QType != "" {
			return fmt.Sprintf("DNS %s query for %s from %s", i.QType, i.FullID, i.RemoteAddress)
		}
		return fmt.Sprintf("DNS query for %s from %s", i.FullID, i.RemoteAddress)
	case ProtocolSMTP:
		return fmt.Sprintf("SMTP mail from %s for %s via %s", i.SMTPFrom, i.FullID, i.RemoteAddress)
	case ProtocolOther:
		return fmt.Sprintf("%s interaction for %s from %s", i.RawProtocol, i.FullID, i.RemoteAddress)
	default:
		return fmt.Sprintf("%s interaction for %s from %s", strings.ToUpper(string(i.Protocol)), i.FullID, i.RemoteAddress)
	}
}
