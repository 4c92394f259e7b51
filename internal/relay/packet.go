package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

const (
	maxRemainingLength = 268435455
	// maxInboundBody bounds what a client may send in one packet.
	maxInboundBody = 64 << 10
	subAckFailure  = 0x80
)

var (
	errMalformedLength = errors.New("malformed remaining length")
	errPacketTooLarge  = errors.New("packet too large")
)

type packet struct {
	header byte
	body   []byte
}

func (p packet) kind() byte { return p.header >> 4 }

func readPacket(r *bufio.Reader) (packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	n, err := readRemainingLength(r)
	if err != nil {
		return packet{}, err
	}
	if n > maxInboundBody {
		return packet{}, fmt.Errorf("%w: %d bytes", errPacketTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, fmt.Errorf("read body: %w", err)
	}
	return packet{header: header, body: body}, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	value, multiplier := 0, 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier <<= 7
	}
	return 0, errMalformedLength
}

func appendRemainingLength(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst
		}
	}
}

func encodePacket(header byte, body []byte) ([]byte, error) {
	if len(body) > maxRemainingLength {
		return nil, fmt.Errorf("packet body of %d bytes exceeds limit", len(body))
	}
	out := make([]byte, 0, 5+len(body))
	out = append(out, header)
	out = appendRemainingLength(out, len(body))
	return append(out, body...), nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic of %d bytes is too long", len(topic))
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return encodePacket(packetPublish<<4, body)
}

func encodeAck(kind byte, packetID uint16, codes []byte) []byte {
	body := appendUint16(make([]byte, 0, 2+len(codes)), packetID)
	body = append(body, codes...)
	out, _ := encodePacket(kind<<4, body)
	return out
}

func appendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func appendString(dst []byte, s string) []byte {
	dst = appendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// fields walks the variable header and payload of a packet.
type fields struct {
	buf []byte
}

func (f *fields) readByte() (byte, error) {
	if len(f.buf) < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := f.buf[0]
	f.buf = f.buf[1:]
	return v, nil
}

func (f *fields) readUint16() (uint16, error) {
	if len(f.buf) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16(f.buf[0])<<8 | uint16(f.buf[1])
	f.buf = f.buf[2:]
	return v, nil
}

func (f *fields) readString() (string, error) {
	n, err := f.readUint16()
	if err != nil {
		return "", err
	}
	if len(f.buf) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(f.buf[:n])
	f.buf = f.buf[n:]
	return s, nil
}

func (f *fields) rest() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	f.buf = nil
	return out
}

func (f *fields) empty() bool { return len(f.buf) == 0 }

type connectInfo struct {
	clientID  string
	keepAlive uint16
}

func parseConnect(body []byte) (connectInfo, error) {
	f := fields{buf: body}
	proto, err := f.readString()
	if err != nil {
		return connectInfo{}, fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return connectInfo{}, fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := f.readByte()
	if err != nil {
		return connectInfo{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectInfo{}, fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := f.readByte()
	if err != nil {
		return connectInfo{}, fmt.Errorf("read connect flags: %w", err)
	}
	// Only clean session is accepted: no will, no credentials.
	if flags&^0x02 != 0 {
		return connectInfo{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}
	keepAlive, err := f.readUint16()
	if err != nil {
		return connectInfo{}, fmt.Errorf("read keepalive: %w", err)
	}
	clientID, err := f.readString()
	if err != nil {
		return connectInfo{}, fmt.Errorf("read client id: %w", err)
	}
	return connectInfo{clientID: clientID, keepAlive: keepAlive}, nil
}

func parsePublish(p packet) (string, []byte, error) {
	if qos := (p.header >> 1) & 0x03; qos != 0 {
		return "", nil, fmt.Errorf("unsupported qos %d", qos)
	}
	f := fields{buf: p.body}
	topic, err := f.readString()
	if err != nil {
		return "", nil, fmt.Errorf("read topic: %w", err)
	}
	return topic, f.rest(), nil
}

type subscription struct {
	filter string
	qos    byte
}

func parseSubscribe(body []byte) (uint16, []subscription, error) {
	f := fields{buf: body}
	id, err := f.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var subs []subscription
	for !f.empty() {
		filter, err := f.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read filter: %w", err)
		}
		qos, err := f.readByte()
		if err != nil {
			return 0, nil, fmt.Errorf("read qos: %w", err)
		}
		subs = append(subs, subscription{filter: filter, qos: qos})
	}
	if len(subs) == 0 {
		return 0, nil, fmt.Errorf("subscribe without filters")
	}
	return id, subs, nil
}

func parseUnsubscribe(body []byte) (uint16, []string, error) {
	f := fields{buf: body}
	id, err := f.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var filters []string
	for !f.empty() {
		filter, err := f.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read filter: %w", err)
		}
		filters = append(filters, filter)
	}
	return id, filters, nil
}
