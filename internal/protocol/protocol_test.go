package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestWriteReadRankRequest(t *testing.T) {
	original := RankRequest{
		Type:       ReqTypeRun,
		TaskID:     "01HXYZ",
		Launcher:   "python3",
		Executable: "square.py",
		Input:      []byte(`[1,2,3]`),
		InputFile:  true,
		FileInput:  true,
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, &original); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	var decoded RankRequest
	if err := ReadRequest(&buf, &decoded); err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left unread", buf.Len())
	}

	if decoded.Type != original.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
	}
	if decoded.TaskID != original.TaskID {
		t.Errorf("TaskID = %q, want %q", decoded.TaskID, original.TaskID)
	}
	if decoded.Launcher != original.Launcher {
		t.Errorf("Launcher = %q, want %q", decoded.Launcher, original.Launcher)
	}
	if decoded.Executable != original.Executable {
		t.Errorf("Executable = %q, want %q", decoded.Executable, original.Executable)
	}
	if !bytes.Equal(decoded.Input, original.Input) {
		t.Errorf("Input = %q, want %q", decoded.Input, original.Input)
	}
	if !decoded.InputFile {
		t.Error("InputFile = false, want true")
	}
	if !decoded.FileInput {
		t.Error("FileInput = false, want true")
	}
}

func TestWriteReadResultMessage(t *testing.T) {
	original := RankMessage{
		Type: MsgTypeResult,
		Response: &RankResponse{
			ExitCode: 2,
			Output:   []byte{0x00, 0xff, 0x10},
			Stderr:   "boom\n",
		},
	}

	var buf bytes.Buffer
	if err := WriteResult(&buf, *original.Response); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	var decoded RankMessage
	if err := ReadRankMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadRankMessage: %v", err)
	}

	if decoded.Type != MsgTypeResult {
		t.Fatalf("Type = %q, want %q", decoded.Type, MsgTypeResult)
	}
	if decoded.Response == nil {
		t.Fatal("Response = nil")
	}
	if decoded.Response.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", decoded.Response.ExitCode)
	}
	if !bytes.Equal(decoded.Response.Output, original.Response.Output) {
		t.Errorf("Output = %v, want %v", decoded.Response.Output, original.Response.Output)
	}
	if decoded.Response.Stderr != "boom\n" {
		t.Errorf("Stderr = %q, want %q", decoded.Response.Stderr, "boom\n")
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	lines := []string{"one", "two", "three"}
	for _, l := range lines {
		if err := WriteMessage(&buf, RankMessage{Type: MsgTypeLog, Line: l}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	for i, want := range lines {
		var msg RankMessage
		if err := ReadMessage(&buf, &msg); err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if msg.Type != MsgTypeLog || msg.Line != want {
			t.Errorf("frame %d = %+v, want log %q", i, msg, want)
		}
	}
}

func TestFrameLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, RankRequest{Type: ReqTypePing}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw := buf.Bytes()
	if got := binary.BigEndian.Uint32(raw[:4]); int(got) != len(raw)-4 {
		t.Errorf("length prefix = %d, payload = %d bytes", got, len(raw)-4)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var req RankRequest
	if err := ReadMessage(buf, &req); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var req RankRequest
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, MaxMessageSize+1)
	buf.Write(prefix)

	var req RankRequest
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestReadMessageInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x03})
	buf.WriteString("{x}")

	var msg RankMessage
	if err := ReadMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}

func TestBlobSpansChunks(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), (3*ChunkSize)/16+7)

	var buf bytes.Buffer
	if err := WriteBlob(&buf, data); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	got, err := ReadBlob(&buf)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("blob of %d bytes came back as %d bytes", len(data), len(got))
	}
}

func TestEmptyBlob(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlob(&buf, nil); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if buf.Len() != 4 {
		t.Errorf("empty blob = %d bytes, want 4", buf.Len())
	}
	got, err := ReadBlob(&buf)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if got != nil {
		t.Errorf("ReadBlob = %q, want nil", got)
	}
}

func TestReadBlobOversizedChunk(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, ChunkSize+1)
	buf.Write(prefix)

	if _, err := ReadBlob(&buf); err == nil {
		t.Fatal("expected error for oversized chunk")
	}
}

func TestReadBlobTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x0a})
	buf.WriteString("abc")

	if _, err := ReadBlob(&buf); err == nil {
		t.Fatal("expected error for truncated chunk")
	}
}

func TestPayloadsLargerThanHeaderLimit(t *testing.T) {
	input := bytes.Repeat([]byte{'x'}, MaxMessageSize+1024)

	var buf bytes.Buffer
	if err := WriteRequest(&buf, &RankRequest{Type: ReqTypeRun, Input: input}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	var req RankRequest
	if err := ReadRequest(&buf, &req); err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if len(req.Input) != len(input) {
		t.Errorf("Input = %d bytes, want %d", len(req.Input), len(input))
	}

	buf.Reset()
	stderr := strings.Repeat("e", MaxMessageSize+1)
	if err := WriteResult(&buf, RankResponse{Output: input, Stderr: stderr}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	var msg RankMessage
	if err := ReadRankMessage(&buf, &msg); err != nil {
		t.Fatalf("ReadRankMessage: %v", err)
	}
	if len(msg.Response.Output) != len(input) || len(msg.Response.Stderr) != len(stderr) {
		t.Errorf("result = %d/%d bytes, want %d/%d",
			len(msg.Response.Output), len(msg.Response.Stderr), len(input), len(stderr))
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	req := RankRequest{Type: ReqTypeRun, Executable: strings.Repeat("a", MaxMessageSize)}
	err := WriteRequest(&bytes.Buffer{}, &req)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("WriteRequest = %v, want ErrMessageTooLarge", err)
	}
}
