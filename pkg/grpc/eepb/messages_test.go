package eepb

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUnknownFieldsAreSkipped(t *testing.T) {
	in := &WriteRequest{Addr: 0x100, Data: []byte("payload"), Checksum: 42, Sync: true}
	b, err := in.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	// A newer peer may send fields this version does not know
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	var out WriteRequest
	if err := out.Unmarshal(b); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if out.Addr != in.Addr || !bytes.Equal(out.Data, in.Data) || out.Checksum != in.Checksum || !out.Sync {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
}

func TestZeroValuesAreOmitted(t *testing.T) {
	b, err := (&ReadRequest{}).Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if len(b) != 0 {
		t.Errorf("Expected an empty encoding, got %x", b)
	}
}

func TestMalformedInput(t *testing.T) {
	good, _ := (&ReadResponse{Data: []byte("0123456789"), Checksum: 1}).Marshal()

	tests := []struct {
		name string
		data []byte
		msg  Message
	}{
		{"truncated bytes", good[:5], &ReadResponse{}},
		{"truncated tag", []byte{0x80}, &ReadRequest{}},
		{"wrong wire type", protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), []byte("x")), &ReadRequest{}},
		{"uint32 overflow", protowire.AppendVarint(protowire.AppendTag(nil, 2, protowire.VarintType), 1<<33), &ReadRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Unmarshal(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(Name)
	if c == nil {
		t.Fatal("Codec not registered")
	}

	b, err := c.Marshal(&ParamResponse{PageSize: 124, Banks: 4, HashAlgorithm: "cross-bank"})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var p ParamResponse
	if err := c.Unmarshal(b, &p); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if p.PageSize != 124 || p.Banks != 4 || p.HashAlgorithm != "cross-bank" {
		t.Errorf("Unexpected param %+v", p)
	}

	if _, err := c.Marshal("not a message"); err == nil {
		t.Error("Expected an error for a foreign type")
	}
}
