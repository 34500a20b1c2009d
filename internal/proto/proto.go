// Package proto defines the rendezvous wire protocol: a tagged-variant
// JSON frame set exchanged over the persistent channel opened by
// internal/rendezvous. Binary payloads (raw IPv4 frames, TCP segments) are
// plain []byte fields — encoding/json already base64-encodes those with
// standard padding, which is exactly the wire format the protocol wants.
package proto

import (
	"encoding/json"
	"fmt"
)

// FrameType is the "type" discriminator carried by every frame.
type FrameType string

const (
	TypeJoin             FrameType = "join"
	TypeRegisterServices FrameType = "register_services"
	TypeServiceUpdate    FrameType = "service_update"
	TypePeerJoined       FrameType = "peer_joined"
	TypePeerLeft         FrameType = "peer_left"
	TypeOffer            FrameType = "offer"
	TypeAnswer           FrameType = "answer"
	TypeCandidate        FrameType = "candidate"
	TypeBroadcast        FrameType = "broadcast"
	TypeTunPacket        FrameType = "tun_packet"
	TypeTcpConnect       FrameType = "tcp_connect"
	TypeTcpConnected     FrameType = "tcp_connected"
	TypeTcpData          FrameType = "tcp_data"
	TypeTcpClose         FrameType = "tcp_close"
)

// ServiceDecl is an advertisement that a peer routes a target.
type ServiceDecl struct {
	IP          string `json:"ip"`
	Port        uint16 `json:"port"`
	Proto       string `json:"proto"` // "tcp" | "udp"
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
}

// PeerService is one entry of a ServiceUpdate's union: a service owned by a peer.
type PeerService struct {
	PeerID string `json:"peer_id"`
	ServiceDecl
}

type Join struct {
	Type       FrameType `json:"type"`
	ID         string    `json:"id"`
	IP         string    `json:"ip"`
	Name       string    `json:"name,omitempty"`
	P2PPort    int       `json:"p2p_port,omitempty"`
	OS         string    `json:"os,omitempty"`
	Version    string    `json:"version,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	IsGateway  bool      `json:"is_gateway,omitempty"`
}

func NewJoin(id, ip, name string, p2pPort int, os, version, deviceType string, isGateway bool) Join {
	return Join{Type: TypeJoin, ID: id, IP: ip, Name: name, P2PPort: p2pPort, OS: os, Version: version, DeviceType: deviceType, IsGateway: isGateway}
}

type RegisterServices struct {
	Type     FrameType     `json:"type"`
	ID       string        `json:"id"`
	Services []ServiceDecl `json:"services"`
}

func NewRegisterServices(id string, services []ServiceDecl) RegisterServices {
	return RegisterServices{Type: TypeRegisterServices, ID: id, Services: services}
}

type ServiceUpdate struct {
	Type     FrameType     `json:"type"`
	Services []PeerService `json:"services"`
}

type PeerJoined struct {
	Type        FrameType `json:"type"`
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	PublicAddr  string    `json:"public_addr,omitempty"`
	P2PPort     int       `json:"p2p_port,omitempty"`
	Name        string    `json:"name,omitempty"`
	OS          string    `json:"os,omitempty"`
	Version     string    `json:"version,omitempty"`
	DeviceType  string    `json:"device_type,omitempty"`
	IsGateway   bool      `json:"is_gateway,omitempty"`
	ConnectedAt int64     `json:"connected_at,omitempty"`
}

type PeerLeft struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

// Offer, Answer and Candidate are opaque rendezvous carriers for alternative
// transports. Parsed and logged only; no transport is wired to them — see
// spec open question (d).
type Offer struct {
	Type   FrameType `json:"type"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	SDP    string    `json:"sdp"`
}

type Answer struct {
	Type   FrameType `json:"type"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	SDP    string    `json:"sdp"`
}

type Candidate struct {
	Type      FrameType `json:"type"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Candidate string    `json:"candidate"`
}

type Broadcast struct {
	Type   FrameType `json:"type"`
	Source string    `json:"source"`
	Data   []byte    `json:"data"`
}

func NewBroadcast(source string, frame []byte) Broadcast {
	return Broadcast{Type: TypeBroadcast, Source: source, Data: frame}
}

type TunPacket struct {
	Type   FrameType `json:"type"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	Data   []byte    `json:"data"`
}

func NewTunPacket(source, target string, frame []byte) TunPacket {
	return TunPacket{Type: TypeTunPacket, Source: source, Target: target, Data: frame}
}

type TcpConnect struct {
	Type       FrameType `json:"type"`
	StreamID   uint32    `json:"stream_id"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	TargetIP   string    `json:"target_ip"`
	TargetPort uint16    `json:"target_port"`
}

type TcpConnected struct {
	Type     FrameType `json:"type"`
	StreamID uint32    `json:"stream_id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Success  bool      `json:"success"`
}

type TcpData struct {
	Type     FrameType `json:"type"`
	StreamID uint32    `json:"stream_id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Data     []byte    `json:"data"`
}

type TcpClose struct {
	Type     FrameType `json:"type"`
	StreamID uint32    `json:"stream_id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
}

// typeTag is used to peek the discriminator before picking a concrete type.
type typeTag struct {
	Type FrameType `json:"type"`
}

// Decode inspects the "type" field of a wire frame and unmarshals it into
// the matching concrete struct, returned as `any`. Callers type-switch on
// the result.
func Decode(data []byte) (any, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("proto: decode type tag: %w", err)
	}

	var v any
	switch tag.Type {
	case TypeJoin:
		v = &Join{}
	case TypeRegisterServices:
		v = &RegisterServices{}
	case TypeServiceUpdate:
		v = &ServiceUpdate{}
	case TypePeerJoined:
		v = &PeerJoined{}
	case TypePeerLeft:
		v = &PeerLeft{}
	case TypeOffer:
		v = &Offer{}
	case TypeAnswer:
		v = &Answer{}
	case TypeCandidate:
		v = &Candidate{}
	case TypeBroadcast:
		v = &Broadcast{}
	case TypeTunPacket:
		v = &TunPacket{}
	case TypeTcpConnect:
		v = &TcpConnect{}
	case TypeTcpConnected:
		v = &TcpConnected{}
	case TypeTcpData:
		v = &TcpData{}
	case TypeTcpClose:
		v = &TcpClose{}
	default:
		return nil, fmt.Errorf("proto: unknown frame type %q", tag.Type)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("proto: decode %s frame: %w", tag.Type, err)
	}
	return v, nil
}

// Encode marshals any frame struct to its wire JSON form.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proto: encode: %w", err)
	}
	return b, nil
}
