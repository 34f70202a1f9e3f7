package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("ping"), EncodeAudio([]byte{9, 8, 7}), []byte("hello")}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %v want %v", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf, 0); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameSkipsOversizedPayloadAndResynchronises(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, bytes.Repeat([]byte{'x'}, 64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, []byte("after")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ReadFrame(&buf, 16)
	if !errors.Is(err, ErrFrameTooLarge) || !Skippable(err) {
		t.Fatalf("expected skippable ErrFrameTooLarge, got %v", err)
	}
	got, err := ReadFrame(&buf, 16)
	if err != nil {
		t.Fatalf("read after skip: %v", err)
	}
	if string(got) != "after" {
		t.Fatalf("stream desynchronised, got %q", got)
	}
}

func TestReadFrameEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	buf.Write(header[:])
	if err := WriteFrame(&buf, []byte("pong")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrame(&buf, 0); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	got, err := ReadFrame(&buf, 0)
	if err != nil || string(got) != "pong" {
		t.Fatalf("expected pong after empty frame, got %q err=%v", got, err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("abc")
	_, err := ReadFrame(&buf, 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if Skippable(err) {
		t.Fatalf("truncated read must not be skippable")
	}
}
