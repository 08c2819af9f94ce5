package frame

import (
	"bytes"
	"sync"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		StreamID: 7,
		Sequence: 42,
		Type:     TypeData,
		Payload:  []byte("hello nyx"),
	}

	encoded, err := Encode(nil, f, 1280)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, consumed, err := Decode(encoded, 1280)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if consumed != len(encoded) {
		t.Errorf("consumed = %d, want %d", consumed, len(encoded))
	}
	if decoded.StreamID != f.StreamID || decoded.Sequence != f.Sequence || decoded.Type != f.Type {
		t.Errorf("decoded header = %+v, want fields matching %+v", decoded, f)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("decoded payload = %q, want %q", decoded.Payload, f.Payload)
	}
}

func TestDecode_NeedMoreData(t *testing.T) {
	f := Frame{StreamID: 1, Sequence: 1, Type: TypeData, Payload: []byte("0123456789")}
	encoded, err := Encode(nil, f, 1280)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if _, _, err := Decode(encoded[:HeaderSize-1], 1280); err != ErrNeedMoreData {
		t.Errorf("short header Decode() error = %v, want %v", err, ErrNeedMoreData)
	}
	if _, _, err := Decode(encoded[:len(encoded)-1], 1280); err != ErrNeedMoreData {
		t.Errorf("short payload Decode() error = %v, want %v", err, ErrNeedMoreData)
	}
}

func TestDecode_TooLarge(t *testing.T) {
	f := Frame{StreamID: 1, Sequence: 1, Type: TypeData, Payload: make([]byte, 100)}
	encoded, err := Encode(nil, f, 1000)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if _, _, err := Decode(encoded, 10); err == nil {
		t.Error("expected ErrTooLarge when max payload len is smaller than the frame")
	}
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	f := Frame{StreamID: 1, Sequence: 1, Type: TypeData, Payload: make([]byte, 2000)}
	if _, err := Encode(nil, f, 1280); err == nil {
		t.Error("expected error encoding a payload over the configured maximum")
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 1280)

	frames := []Frame{
		{StreamID: 1, Sequence: 0, Type: TypeCrypto, Payload: []byte("hello")},
		{StreamID: 1, Sequence: 1, Type: TypeData, Payload: []byte("world")},
		{StreamID: 3, Sequence: 0, Type: TypeClose, Payload: nil},
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	r := NewReader(&buf, 1280)
	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if got.StreamID != want.StreamID || got.Sequence != want.Sequence || got.Type != want.Type {
			t.Errorf("frame #%d = %+v, want fields matching %+v", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame #%d payload = %q, want %q", i, got.Payload, want.Payload)
		}
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeData:             "DATA",
		TypeAck:               "ACK",
		TypeClose:             "CLOSE",
		TypeCrypto:            "CRYPTO",
		Type(0x55):            "PLUGIN(0x55)",
		Type(0x40):            "UNKNOWN(0x40)",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("Type(0x%02x).String() = %q, want %q", uint8(typ), got, want)
		}
	}
}

func TestIsKnown(t *testing.T) {
	if !IsKnown(TypeData) || !IsKnown(Type(0x50)) || !IsKnown(Type(0x5F)) {
		t.Error("IsKnown() false negative for a known or plugin type")
	}
	if IsKnown(Type(0x40)) {
		t.Error("IsKnown() false positive for an unassigned type")
	}
}

// TestEncode_Concurrent exercises Encode from many goroutines sharing the
// package-level buffer pool to check for data races on pooled buffers.
func TestEncode_Concurrent(t *testing.T) {
	const goroutines = 32
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		streamID := uint32(g)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				buf := GetBuffer()
				f := Frame{StreamID: streamID, Sequence: uint32(i), Type: TypeData, Payload: []byte("payload")}
				encoded, err := Encode(*buf, f, 1280)
				if err != nil {
					t.Errorf("Encode() error = %v", err)
					PutBuffer(buf)
					return
				}
				decoded, _, err := Decode(encoded, 1280)
				if err != nil {
					t.Errorf("Decode() error = %v", err)
				}
				if decoded.StreamID != streamID || decoded.Sequence != uint32(i) {
					t.Errorf("decoded = %+v, want stream %d seq %d", decoded, streamID, i)
				}
				*buf = encoded
				PutBuffer(buf)
			}
		}()
	}
	wg.Wait()
}
