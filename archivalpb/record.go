// Package archivalpb holds the protobuf schema for the periodic
// connection-table snapshot record archival writes when protobuf framing
// is selected (see package archival), adapted from the teacher's
// nl-proto/tcpinfo message (a TCPInfo-specific archival record) to an
// SNP-connection-specific one.
//
// The message below is written out by hand in the pre-APIv2 generated-code
// shape (a plain struct with `protobuf:"..."` field tags and the legacy
// Reset/String/ProtoMessage trio) rather than run through protoc, since the
// .proto source and protoc toolchain are not part of this build. This is
// the same shape protoc-gen-go emitted before it started generating
// ProtoReflect descriptors directly, and github.com/golang/protobuf's
// proto.Marshal/Unmarshal still support it via the legacy aberrant-message
// path in google.golang.org/protobuf/internal/impl for exactly this reason.
//
// Schema (as it would read in record.proto):
//
//	syntax = "proto3";
//	package archivalpb;
//	message ConnSnapshot {
//	  int64  timestamp_ns = 1;
//	  uint32 local_addr   = 2;
//	  uint32 remote_addr  = 3;
//	  uint32 local_port   = 4;
//	  uint32 remote_port  = 5;
//	  string state        = 6;
//	  uint32 snd_una      = 7;
//	  uint32 snd_nxt      = 8;
//	  uint32 rcv_cur      = 9;
//	  uint32 flags        = 10;
//	}
package archivalpb

import proto "github.com/golang/protobuf/proto"

// ConnSnapshot is one connection's state at the moment an archival cycle
// samples it (§3 Connection, §9 "archival" composition).
type ConnSnapshot struct {
	TimestampNs int64  `protobuf:"varint,1,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	LocalAddr   uint32 `protobuf:"varint,2,opt,name=local_addr,json=localAddr,proto3" json:"local_addr,omitempty"`
	RemoteAddr  uint32 `protobuf:"varint,3,opt,name=remote_addr,json=remoteAddr,proto3" json:"remote_addr,omitempty"`
	LocalPort   uint32 `protobuf:"varint,4,opt,name=local_port,json=localPort,proto3" json:"local_port,omitempty"`
	RemotePort  uint32 `protobuf:"varint,5,opt,name=remote_port,json=remotePort,proto3" json:"remote_port,omitempty"`
	State       string `protobuf:"bytes,6,opt,name=state,proto3" json:"state,omitempty"`
	SndUna      uint32 `protobuf:"varint,7,opt,name=snd_una,json=sndUna,proto3" json:"snd_una,omitempty"`
	SndNxt      uint32 `protobuf:"varint,8,opt,name=snd_nxt,json=sndNxt,proto3" json:"snd_nxt,omitempty"`
	RcvCur      uint32 `protobuf:"varint,9,opt,name=rcv_cur,json=rcvCur,proto3" json:"rcv_cur,omitempty"`
	Flags       uint32 `protobuf:"varint,10,opt,name=flags,proto3" json:"flags,omitempty"`
}

func (m *ConnSnapshot) Reset()         { *m = ConnSnapshot{} }
func (m *ConnSnapshot) String() string { return proto.CompactTextString(m) }
func (*ConnSnapshot) ProtoMessage()    {}

// Marshal encodes a ConnSnapshot to its protobuf wire form.
func Marshal(m *ConnSnapshot) ([]byte, error) {
	return proto.Marshal(m)
}

// Unmarshal decodes a protobuf-framed ConnSnapshot.
func Unmarshal(b []byte) (*ConnSnapshot, error) {
	m := &ConnSnapshot{}
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
