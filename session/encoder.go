package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	sessionFormatVersion1 = 1

	// version(1) refreshHash(32) expiresAt(8) createdAt(8) rotatedAt(8)
	sessionFixedLen = 57
)

var errFieldTooLong = errors.New("session field too long")

// Encode serializes s. The refresh hash and timestamps sit at fixed offsets
// so the rotation script can rewrite them without a full decode.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(sessionFixedLen + 4 + len(s.UserID) + len(s.Role) + len(s.DeviceTag) + len(s.IP))

	buf.WriteByte(sessionFormatVersion1)
	buf.Write(s.RefreshHash[:])

	for _, v := range []int64{s.ExpiresAt, s.CreatedAt, s.RotatedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	if s.UserID == "" {
		return nil, errors.New("session user id required")
	}
	for _, field := range []string{s.UserID, s.Role, s.DeviceTag, s.IP} {
		if len(field) > 255 {
			return nil, errFieldTooLong
		}
		buf.WriteByte(byte(len(field)))
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersion1 {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}
	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}
	for _, dst := range []*int64{&s.ExpiresAt, &s.CreatedAt, &s.RotatedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	for _, dst := range []*string{&s.UserID, &s.Role, &s.DeviceTag, &s.IP} {
		n, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		field := make([]byte, n)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*dst = string(field)
	}

	return s, nil
}
